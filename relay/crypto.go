package relay

import (
	"crypto/subtle"
	"fmt"
)

// Cipher is the per-hop stream cipher abstraction spec.md §6 calls
// cipher_crypt_in_place: it XORs a keystream over buf in place and advances
// its internal state by len(buf) bytes. circuit/ implements this over
// crypto/cipher.Stream (AES-128-CTR).
type Cipher interface {
	CryptInPlace(buf []byte)
}

// Digest is the per-hop running digest abstraction spec.md §6 calls
// digest_feed/digest_read/digest_clone/digest_restore. circuit/ implements
// this over crypto/sha1's hash.Hash plus its encoding.BinaryMarshaler
// support, matching the teacher's decryptRelayLocked.
type Digest interface {
	Feed(buf []byte)
	Sum4() [4]byte
	Clone() Digest
	Restore(snapshot Digest)
}

// HopCrypto bundles the forward/backward cipher and digest state for one
// hop, as described in spec.md §3 ("Hop (crypt path)").
type HopCrypto struct {
	Forward        Cipher
	Backward       Cipher
	ForwardDigest  Digest
	BackwardDigest Digest
}

// RelaySetDigest implements spec.md §4.4's relay_set_digest: zero the
// integrity bytes, feed the full payload through digest, and write the
// first four digest bytes back into the integrity field. Used on the send
// path before layered encryption.
func RelaySetDigest(d Digest, payload []byte) {
	ZeroIntegrity(payload)
	d.Feed(payload)
	sum := d.Sum4()
	copy(payload[5:9], sum[:])
}

// tentativeRecognize implements the tentative-commit/restore rule shared by
// every recognition check in spec.md §4.4: save the integrity bytes, zero
// them, feed the digest, compare, and on mismatch roll back both the digest
// state and the integrity bytes so the payload is left exactly as the
// caller handed it in (required so a subsequent hop's decrypt, which must
// run over the untouched ciphertext-derived bytes, is not corrupted).
func tentativeRecognize(d Digest, payload []byte) bool {
	var saved [4]byte
	copy(saved[:], payload[5:9])

	ZeroIntegrity(payload)
	snapshot := d.Clone()
	d.Feed(payload)
	computed := d.Sum4()

	if subtle.ConstantTimeCompare(saved[:], computed[:]) == 1 {
		return true
	}

	d.Restore(snapshot)
	copy(payload[5:9], saved[:])
	return false
}

// DecryptAtOrigin implements the inbound-at-origin branch of spec.md §4.4's
// relay_crypt: iterate hops from the head, decrypting one layer per hop and
// attempting recognition, halting at the first hop whose digest matches.
// hops must already be filtered to the leading run of open hops (a closed
// or opening hop never participates in decryption); callers that pass hops
// past a non-open entry get undefined (but not unsafe) results.
func DecryptAtOrigin(hops []HopCrypto, payload []byte) (hopIdx int, recognized bool, err error) {
	if len(hops) == 0 {
		return 0, false, fmt.Errorf("relay: origin circuit has no hops")
	}
	for i, hop := range hops {
		hop.Backward.CryptInPlace(payload)

		rec := uint16(payload[1])<<8 | uint16(payload[2])
		if rec != 0 {
			continue
		}
		if tentativeRecognize(hop.BackwardDigest, payload) {
			return i, true, nil
		}
	}
	return 0, false, fmt.Errorf("relay: cell not recognized at any hop")
}

// EncryptInboundNonOrigin implements the inbound-at-non-origin branch: a
// single encrypt pass with the previous-side cipher, never recognized.
func EncryptInboundNonOrigin(prevCipher Cipher, payload []byte) {
	prevCipher.CryptInPlace(payload)
}

// DecryptOutboundNonOrigin implements the outbound-at-non-origin branch:
// decrypt once with the next-side cipher and attempt recognition against
// the next-side digest using the same tentative-commit rule.
func DecryptOutboundNonOrigin(nextCipher Cipher, nextDigest Digest, payload []byte) (recognized bool) {
	nextCipher.CryptInPlace(payload)
	rec := uint16(payload[1])<<8 | uint16(payload[2])
	if rec != 0 {
		return false
	}
	return tentativeRecognize(nextDigest, payload)
}

// LayerEncryptOrigin implements spec.md §4.4/§4.6/§9's layered-encryption
// send path: set the integrity using the target hop's forward digest, then
// apply exactly one forward cipher per hop from the target hop down to and
// including the first hop. This resolves the "XXXX RD This is a bug,
// right?" open question (spec.md §9) by deriving the loop bound from the
// layering invariant rather than carrying over the original circular-list
// termination test.
func LayerEncryptOrigin(hops []HopCrypto, targetIdx int, payload []byte) error {
	if targetIdx < 0 || targetIdx >= len(hops) {
		return fmt.Errorf("relay: target hop index %d out of range [0,%d)", targetIdx, len(hops))
	}
	RelaySetDigest(hops[targetIdx].ForwardDigest, payload)
	for i := targetIdx; i >= 0; i-- {
		hops[i].Forward.CryptInPlace(payload)
	}
	return nil
}

// EncryptInboundNonOriginPackage implements the non-origin send path of
// spec.md §4.6: set the previous-side digest, then single-layer encrypt
// with the previous-side cipher.
func EncryptInboundNonOriginPackage(prevCipher Cipher, prevDigest Digest, payload []byte) {
	RelaySetDigest(prevDigest, payload)
	prevCipher.CryptInPlace(payload)
}
