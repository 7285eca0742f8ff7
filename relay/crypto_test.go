package relay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding"
	"hash"
	"testing"
)

// sha1Digest is a minimal Digest built on crypto/sha1, the same primitive
// the teacher's circuit.Hop uses, via hash.Hash's BinaryMarshaler support.
type sha1Digest struct {
	h hash.Hash
}

func newSHA1Digest(seed []byte) *sha1Digest {
	h := sha1.New()
	h.Write(seed)
	return &sha1Digest{h: h}
}

func (d *sha1Digest) Feed(buf []byte) { d.h.Write(buf) }

func (d *sha1Digest) Sum4() [4]byte {
	var out [4]byte
	sum := d.h.Sum(nil)
	copy(out[:], sum[:4])
	return out
}

func (d *sha1Digest) Clone() Digest {
	state, err := d.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err)
	}
	clone := sha1.New()
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	return &sha1Digest{h: clone}
}

func (d *sha1Digest) Restore(snapshot Digest) {
	state, err := snapshot.(*sha1Digest).h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic(err)
	}
	if err := d.h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
}

// ctrCipher is a Cipher over crypto/cipher.Stream (AES-128-CTR, zero IV),
// matching circuit.initHop.
type ctrCipher struct {
	s cipher.Stream
}

func (c *ctrCipher) CryptInPlace(buf []byte) {
	c.s.XORKeyStream(buf, buf)
}

func newCTRCipher(key []byte) *ctrCipher {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	iv := make([]byte, aes.BlockSize)
	return &ctrCipher{s: cipher.NewCTR(block, iv)}
}

func makeHop(kf, kb, df, db []byte) HopCrypto {
	return HopCrypto{
		Forward:        newCTRCipher(kf),
		Backward:       newCTRCipher(kb),
		ForwardDigest:  newSHA1Digest(df),
		BackwardDigest: newSHA1Digest(db),
	}
}

func testKeys(tag byte) (kf, kb, df, db []byte) {
	mk := func(b byte) []byte {
		buf := make([]byte, 16)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}
	return mk(tag), mk(tag + 1), mk(tag + 2), mk(tag + 3)
}

// mirrorHop builds the peer's view of the same hop: what the origin calls
// "forward" the relay decrypts as "backward", and vice versa.
func mirrorHop(kf, kb, df, db []byte) HopCrypto {
	return HopCrypto{
		Forward:        newCTRCipher(kb),
		Backward:       newCTRCipher(kf),
		ForwardDigest:  newSHA1Digest(db),
		BackwardDigest: newSHA1Digest(df),
	}
}

// recognizeStage decrypts one hop's layer in place and reports whether
// this hop recognizes the cell, committing or restoring digest state per
// tentativeRecognize.
func recognizeStage(hop HopCrypto, payload []byte) bool {
	hop.Backward.CryptInPlace(payload)
	if rec := uint16(payload[1])<<8 | uint16(payload[2]); rec != 0 {
		return false
	}
	return tentativeRecognize(hop.BackwardDigest, payload)
}

func TestThreeHopRecognitionAtThirdHop(t *testing.T) {
	kf1, kb1, df1, db1 := testKeys(0)
	kf2, kb2, df2, db2 := testKeys(10)
	kf3, kb3, df3, db3 := testKeys(20)

	originHops := []HopCrypto{
		makeHop(kf1, kb1, df1, db1),
		makeHop(kf2, kb2, df2, db2),
		makeHop(kf3, kb3, df3, db3),
	}

	payload := make([]byte, PayloadSize)
	h := Header{Command: CmdData, StreamID: 3, Length: 5}
	_ = Pack(&h, payload)
	copy(payload[HeaderLen:], []byte("hello"))

	if err := LayerEncryptOrigin(originHops, 2, payload); err != nil {
		t.Fatalf("LayerEncryptOrigin: %v", err)
	}

	relay1 := mirrorHop(kf1, kb1, df1, db1)
	relay2 := mirrorHop(kf2, kb2, df2, db2)
	relay3 := mirrorHop(kf3, kb3, df3, db3)

	stage := append([]byte(nil), payload...)
	if recognizeStage(relay1, stage) {
		t.Fatal("hop 1 falsely recognized cell addressed to hop 3")
	}
	if recognizeStage(relay2, stage) {
		t.Fatal("hop 2 falsely recognized cell addressed to hop 3")
	}
	if !recognizeStage(relay3, stage) {
		t.Fatal("hop 3 should recognize the cell addressed to it")
	}

	got, err := Unpack(stage)
	if err != nil {
		t.Fatalf("Unpack at hop 3: %v", err)
	}
	if got.Command != CmdData || got.StreamID != 3 {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if !bytes.Equal(stage[HeaderLen:HeaderLen+5], []byte("hello")) {
		t.Fatal("decrypted body mismatch")
	}
}

func TestForgeryRejectionDoesNotMutateDigest(t *testing.T) {
	kf, kb, df, db := testKeys(0)
	sender := makeHop(kf, kb, df, db)

	payload := make([]byte, PayloadSize)
	h := Header{Command: CmdData, StreamID: 1, Length: 3}
	_ = Pack(&h, payload)
	copy(payload[HeaderLen:], []byte("abc"))
	if err := LayerEncryptOrigin([]HopCrypto{sender}, 0, payload); err != nil {
		t.Fatalf("LayerEncryptOrigin: %v", err)
	}

	// Tamper with the ciphertext after encryption.
	tampered := append([]byte(nil), payload...)
	tampered[100] ^= 0xFF

	receiver := mirrorHop(kf, kb, df, db)
	before, err := receiver.BackwardDigest.(*sha1Digest).h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if recognizeStage(receiver, tampered) {
		t.Fatal("tampered cell must not be recognized")
	}

	after, err := receiver.BackwardDigest.(*sha1Digest).h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("digest state must be unchanged after a failed recognition")
	}
}

func TestRandomPaddingDoesNotAffectHeaderFields(t *testing.T) {
	payload := make([]byte, PayloadSize)
	_, _ = rand.Read(payload[HeaderLen:])
	h := Header{Command: CmdDrop, StreamID: 0, Length: 0}
	if err := Pack(&h, payload); err != nil {
		t.Fatal(err)
	}
	got, err := Unpack(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != CmdDrop {
		t.Fatal("padding bytes must not disturb the header")
	}
}
