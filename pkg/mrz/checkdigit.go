package mrz

import "fmt"

// CHECK DIGITS (ICAO 9303 part 3, 4.9):
// Each character gets a value ('0'-'9' -> 0-9, 'A'-'Z' -> 10-35, '<' -> 0), values are
// multiplied by the repeating weights 7, 3, 1 and the check digit is the sum modulo 10.

var weights = [3]int{7, 3, 1}

func charValue(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10, nil
	case c == '<':
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid MRZ character %q", c)
	}
}

// CheckDigit computes the check digit of s as an ASCII digit.
func CheckDigit(s string) (byte, error) {
	sum := 0
	for i := 0; i < len(s); i++ {
		v, err := charValue(s[i])
		if err != nil {
			return 0, err
		}
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10), nil
}

// ValidCheckDigit reports whether cd is the check digit of s. ICAO allows '<' in
// place of a zero check digit for empty optional fields.
func ValidCheckDigit(s string, cd byte) bool {
	want, err := CheckDigit(s)
	if err != nil {
		return false
	}
	return cd == want || (cd == '<' && want == '0' && isFiller(s))
}

func isFiller(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			return false
		}
	}
	return true
}
