package relay

import (
	"strings"
	"unicode/utf8"
)

// DecodePayload converts raw message bytes to the string the pipeline
// operates on. Invalid UTF-8 sequences are dropped rather than replaced, so
// a payload that is mostly text still flows through with its readable parts
// intact.
func DecodePayload(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}
