package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Hex decodes hex text as printed in ICAO 9303 worked examples and APDU traces:
// parts are concatenated, whitespace and ':' separators are ignored. It panics on
// malformed input and is meant for fixtures and constants.
func Hex(parts ...string) []byte {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' {
			return -1
		}
		return r
	}, strings.Join(parts, ""))

	data, err := hex.DecodeString(clean)
	if err != nil {
		panic(fmt.Sprintf("tlv.Hex %q: %v", clean, err))
	}
	return data
}
