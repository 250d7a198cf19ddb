// Package mrz handles the Machine Readable Zone: the MRZ key that unlocks the chip
// (document number, date of birth, date of expiry) and the parsing of full MRZ text
// as stored in DG1.
package mrz

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
)

// NumberLength is the width of the document number field in the key.
const NumberLength = 9

// Key is the MRZ derived secret shared by the terminal and the chip.
// A Key is only built through NewKey, so its fields are always valid.
type Key struct {
	number string // upper case, without padding
	dob    string // YYMMDD
	doe    string // YYMMDD
}

// NewKey validates and normalises the three MRZ key fields. Dates are accepted as
// YYMMDD or YYYY-MM-DD.
func NewKey(number, dateOfBirth, dateOfExpiry string) (Key, error) {
	const op = "mrz.NewKey"

	n := strings.ToUpper(strings.TrimSpace(number))
	n = strings.TrimRight(n, "<")
	if n == "" {
		return Key{}, mrtderr.Errorf(mrtderr.KindInput, op, "document number is empty")
	}
	if len(n) > NumberLength {
		return Key{}, mrtderr.Errorf(mrtderr.KindInput, op, "document number %q longer than %d characters", n, NumberLength)
	}
	for i := 0; i < len(n); i++ {
		if _, err := charValue(n[i]); err != nil {
			return Key{}, mrtderr.Errorf(mrtderr.KindInput, op, "document number: %v", err)
		}
	}

	dob, err := NormalizeDate(dateOfBirth)
	if err != nil {
		return Key{}, mrtderr.Errorf(mrtderr.KindInput, op, "date of birth: %v", err)
	}
	doe, err := NormalizeDate(dateOfExpiry)
	if err != nil {
		return Key{}, mrtderr.Errorf(mrtderr.KindInput, op, "date of expiry: %v", err)
	}

	return Key{number: n, dob: dob, doe: doe}, nil
}

// NormalizeDate returns the YYMMDD form of a YYMMDD or YYYY-MM-DD date, after
// checking it is a real calendar day.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)

	var layout string
	switch len(s) {
	case 6:
		layout = "060102"
	case 10:
		layout = "2006-01-02"
	default:
		return "", fmt.Errorf("invalid date %q: want YYMMDD or YYYY-MM-DD", s)
	}

	t, err := time.Parse(layout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.Format("060102"), nil
}

// IsZero reports whether k was not built by NewKey.
func (k Key) IsZero() bool {
	return k.number == ""
}

// DocumentNumber returns the number without filler characters.
func (k Key) DocumentNumber() string { return k.number }

// DateOfBirth returns the date of birth as YYMMDD.
func (k Key) DateOfBirth() string { return k.dob }

// DateOfExpiry returns the date of expiry as YYMMDD.
func (k Key) DateOfExpiry() string { return k.doe }

// Information returns the MRZ information used as key seed input:
// number padded with '<' to 9 characters, its check digit, date of birth, its check
// digit, date of expiry and its check digit.
func (k Key) Information() string {
	number := k.number
	if len(number) < NumberLength {
		number += strings.Repeat("<", NumberLength-len(number))
	}

	var sb strings.Builder
	for _, field := range []string{number, k.dob, k.doe} {
		cd, _ := CheckDigit(field)
		sb.WriteString(field)
		sb.WriteByte(cd)
	}
	return sb.String()
}

// Seed returns SHA-1(Information()). BAC uses the first 16 bytes as Kseed, PACE uses
// the full digest as the password π.
func (k Key) Seed() []byte {
	sum := sha1.Sum([]byte(k.Information()))
	return sum[:]
}

// LogValue keeps the key out of logs.
func (k Key) LogValue() slog.Value {
	if k.IsZero() {
		return slog.StringValue("<empty>")
	}
	return slog.StringValue("<redacted>")
}
