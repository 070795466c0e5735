package frame

import (
	"bytes"
	"testing"
)

// FuzzBufferAppend ensures arbitrary chunked input never panics and never
// breaks the buffer alignment invariant.
func FuzzBufferAppend(f *testing.F) {
	valid, _ := (Frame{Version: 2, Flags: 3, Intent: 4, Payload: []byte("123")}).Encode()
	f.Add(valid, uint8(1))
	f.Add(append([]byte{0xBA, 0xDB, 0xAD}, valid...), uint8(3))
	f.Add(bytes.Repeat([]byte{0xC5}, 64), uint8(2))
	f.Fuzz(func(t *testing.T, data []byte, chunk uint8) {
		n := int(chunk)
		if n == 0 {
			n = 1
		}
		p := NewPacketBuffer(0)
		for pos := 0; pos < len(data); pos += n {
			end := pos + n
			if end > len(data) {
				end = len(data)
			}
			if err := p.Append(data[pos:end]); err != nil {
				return // overflow clears, nothing more to check
			}
			for {
				fr, err := p.PopFrame()
				if err != nil {
					continue
				}
				if fr == nil {
					break
				}
			}
			b := p.Bytes()
			switch {
			case len(b) == 0:
			case len(b) == 1:
				if b[0] != SignatureHi {
					t.Fatalf("invariant broken: lone 0x%02X", b[0])
				}
			default:
				if b[0] != SignatureHi || b[1] != SignatureLo {
					t.Fatalf("invariant broken: % X", b[:2])
				}
			}
		}
	})
}

// FuzzDecode ensures the frame decoder doesn't panic on random input.
func FuzzDecode(f *testing.F) {
	valid, _ := (Frame{Version: 1, Intent: 0}).Encode()
	f.Add(valid)
	f.Add([]byte{0xC5, 0xC3, 0, 0, 0xFF, 0xFF, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
