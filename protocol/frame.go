// Package protocol implements the EDMO wire format: the escape-encoded
// frame envelope and the fixed-layout typed records carried inside it.
package protocol

import "bytes"

// Header and footer delimiters. The escape encoder guarantees neither
// sequence ever occurs inside an escaped payload.
var (
	Header = [2]byte{'E', 'D'}
	Footer = [2]byte{'M', 'O'}
)

const escapeByte = '\\'

// Escape walks p left to right and inserts an escape byte before any byte
// that would otherwise complete a Header or Footer sequence with the
// immediately preceding *emitted* byte, and doubles every literal escape
// byte. The result never contains the substrings "ED" or "MO", so framing
// stays unambiguous regardless of payload content.
func Escape(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/8+2)
	var prev byte
	for _, b := range p {
		needsEscape := b == escapeByte ||
			(prev == 'E' && b == 'D') ||
			(prev == 'M' && b == 'O')
		if needsEscape {
			out = append(out, escapeByte)
		}
		out = append(out, b)
		prev = b
	}
	return out
}

// Unescape reverses Escape: a backslash followed by any byte emits that
// byte and advances two; any other byte is emitted verbatim. A trailing
// lone backslash is dropped.
func Unescape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == escapeByte {
			if i+1 < len(p) {
				out = append(out, p[i+1])
				i++
			}
			continue
		}
		out = append(out, p[i])
	}
	return out
}

// Encode wraps tag·body in Header/escape/Footer, ready to write to a channel.
func Encode(tag byte, body []byte) []byte {
	raw := make([]byte, 0, len(body)+1)
	raw = append(raw, tag)
	raw = append(raw, body...)
	escaped := Escape(raw)

	out := make([]byte, 0, len(escaped)+4)
	out = append(out, Header[:]...)
	out = append(out, escaped...)
	out = append(out, Footer[:]...)
	return out
}

// Reframer is a per-channel finite-state resynchronizer: it watches a
// rolling tail for Header, then accumulates an in-frame payload until it
// sees Footer, handing the unescaped tag+body to Dispatch. It holds no
// channel-crossing state — the device connection owns one per channel,
// matching the serialized, per-channel delivery contract of transport.Channel.
type Reframer struct {
	buf     []byte
	inFrame bool
	frame   []byte

	Dispatch func(tagBody []byte)
}

// Feed appends newly received bytes and runs the resync/frame state
// machine described in spec §4.E over them.
func (r *Reframer) Feed(chunk []byte) {
	for _, b := range chunk {
		if r.inFrame {
			r.frame = append(r.frame, b)
			if hasSuffix2(r.frame, Footer) {
				payload := r.frame[:len(r.frame)-2]
				r.inFrame = false
				r.frame = nil
				r.buf = r.buf[:0]
				if r.Dispatch != nil {
					r.Dispatch(Unescape(payload))
				}
			}
			continue
		}

		r.buf = append(r.buf, b)
		if hasSuffix2(r.buf, Header) {
			r.inFrame = true
			r.frame = nil
			r.buf = r.buf[:0]
			continue
		}
		if len(r.buf) > 1 {
			r.buf = r.buf[1:]
		}
	}
}

func hasSuffix2(b []byte, suffix [2]byte) bool {
	if len(b) < 2 {
		return false
	}
	return bytes.Equal(b[len(b)-2:], suffix[:])
}
