package relay

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address TLV type bytes (tor-spec §6.4.2, RESOLVED_TYPE_*).
const (
	AddrTypeUnspec uint8 = 0
	AddrTypeIPv4   uint8 = 1
	AddrTypeIPv6   uint8 = 2
)

// Addr is a decoded address TLV as carried in CONNECTED/RESOLVED payloads.
type Addr struct {
	Type  uint8
	Value net.IP // nil when Type == AddrTypeUnspec
}

// EncodeAddr appends the TLV encoding of a to dst and returns the result.
func EncodeAddr(dst []byte, a Addr) []byte {
	switch a.Type {
	case AddrTypeIPv4:
		v4 := a.Value.To4()
		dst = append(dst, AddrTypeIPv4, 4)
		dst = append(dst, v4...)
	case AddrTypeIPv6:
		v6 := a.Value.To16()
		dst = append(dst, AddrTypeIPv6, 16)
		dst = append(dst, v6...)
	default:
		dst = append(dst, AddrTypeUnspec, 0)
	}
	return dst
}

// DecodeAddr parses one address TLV from the front of src and returns the
// decoded address plus the remaining bytes after it.
func DecodeAddr(src []byte) (Addr, []byte, error) {
	if len(src) < 2 {
		return Addr{}, nil, fmt.Errorf("relay: address TLV too short: %d bytes", len(src))
	}
	typ := src[0]
	length := src[1]
	if len(src) < 2+int(length) {
		return Addr{}, nil, fmt.Errorf("relay: address TLV truncated: need %d, have %d", 2+int(length), len(src))
	}
	value := src[2 : 2+int(length)]
	rest := src[2+int(length):]

	switch typ {
	case AddrTypeIPv4:
		if length != 4 {
			return Addr{}, nil, fmt.Errorf("relay: IPv4 address TLV length %d, want 4", length)
		}
		return Addr{Type: AddrTypeIPv4, Value: net.IP(append([]byte(nil), value...))}, rest, nil
	case AddrTypeIPv6:
		if length != 16 {
			return Addr{}, nil, fmt.Errorf("relay: IPv6 address TLV length %d, want 16", length)
		}
		return Addr{Type: AddrTypeIPv6, Value: net.IP(append([]byte(nil), value...))}, rest, nil
	default:
		return Addr{Type: AddrTypeUnspec}, rest, nil
	}
}

// DecodeTTL reads the 4-byte big-endian TTL that follows a CONNECTED cell's
// address TLV, if present.
func DecodeTTL(rest []byte) (uint32, bool) {
	if len(rest) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(rest[:4]), true
}
