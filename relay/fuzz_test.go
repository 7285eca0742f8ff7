package relay

import "testing"

func FuzzUnpackHeader(f *testing.F) {
	var h Header
	h.Command = CmdData
	h.StreamID = 42
	h.Length = 100
	var buf [HeaderLen]byte
	_ = Pack(&h, buf[:])
	f.Add(buf[:])
	f.Add([]byte{})
	f.Add(make([]byte, HeaderLen-1))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		_, _ = Unpack(data)
	})
}

func FuzzDecodeAddr(f *testing.F) {
	f.Add([]byte{AddrTypeIPv4, 4, 1, 2, 3, 4})
	f.Add([]byte{AddrTypeIPv6, 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	f.Add([]byte{})
	f.Add([]byte{AddrTypeUnspec, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		_, _, _ = DecodeAddr(data)
	})
}
