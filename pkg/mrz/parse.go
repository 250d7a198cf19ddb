package mrz

import (
	"fmt"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
)

// MRZ LAYOUTS (ICAO 9303 parts 4 to 6):
//
// TD1 (ID cards)   3 lines of 30: code, state, number+cd, optional data /
//                  dob+cd, sex, doe+cd, nationality, optional data, composite cd /
//                  names.
// TD2              2 lines of 36: code, state, names /
//                  number+cd, nationality, dob+cd, sex, doe+cd, optional, composite cd.
// TD3 (passports)  2 lines of 44: code, state, names /
//                  number+cd, nationality, dob+cd, sex, doe+cd, personal number+cd,
//                  composite cd.
//
// DG1 stores the lines concatenated without separators.

// Format identifies the MRZ layout.
type Format int

const (
	FormatUnknown Format = iota
	TD1
	TD2
	TD3
)

func (f Format) String() string {
	switch f {
	case TD1:
		return "TD1"
	case TD2:
		return "TD2"
	case TD3:
		return "TD3"
	default:
		return "unknown"
	}
}

// Data is a parsed MRZ. Dates are kept as YYMMDD, filler characters are removed.
type Data struct {
	Format              Format
	DocumentCode        string
	IssuingState        string
	PrimaryIdentifier   string
	SecondaryIdentifier string
	DocumentNumber      string
	Nationality         string
	DateOfBirth         string
	Sex                 string
	DateOfExpiry        string
	OptionalData        string
	Raw                 string
}

// Key returns the MRZ key printed in this zone.
func (d *Data) Key() (Key, error) {
	return NewKey(d.DocumentNumber, d.DateOfBirth, d.DateOfExpiry)
}

// BirthDate resolves the two digit year: a date in the future is moved back a century.
func (d *Data) BirthDate(now time.Time) (time.Time, error) {
	t, err := time.Parse("060102", d.DateOfBirth)
	if err != nil {
		return time.Time{}, fmt.Errorf("date of birth: %w", err)
	}
	if t.After(now) {
		t = t.AddDate(-100, 0, 0)
	}
	return t, nil
}

// ExpiryDate resolves the two digit year: a date more than 30 years ago is moved
// forward a century.
func (d *Data) ExpiryDate(now time.Time) (time.Time, error) {
	t, err := time.Parse("060102", d.DateOfExpiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("date of expiry: %w", err)
	}
	if t.Before(now.AddDate(-30, 0, 0)) {
		t = t.AddDate(100, 0, 0)
	}
	return t, nil
}

// Parse decodes MRZ text. Lines may be separated by newlines or concatenated as in
// DG1. Every check digit is verified.
func Parse(text string) (*Data, error) {
	const op = "mrz.Parse"

	raw := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(strings.ToUpper(text))
	for i := 0; i < len(raw); i++ {
		if _, err := charValue(raw[i]); err != nil {
			return nil, mrtderr.Errorf(mrtderr.KindInput, op, "%v at position %d", err, i)
		}
	}

	var (
		d   *Data
		err error
	)
	switch len(raw) {
	case 90:
		d, err = parseTD1(raw[0:30], raw[30:60], raw[60:90])
	case 72:
		d, err = parseTD2(raw[0:36], raw[36:72])
	case 88:
		d, err = parseTD3(raw[0:44], raw[44:88])
	default:
		return nil, mrtderr.Errorf(mrtderr.KindInput, op, "unsupported MRZ length %d", len(raw))
	}
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindInput, op, err)
	}

	d.Raw = raw
	return d, nil
}

func parseTD1(l1, l2, l3 string) (*Data, error) {
	d := &Data{
		Format:       TD1,
		DocumentCode: trim(l1[0:2]),
		IssuingState: trim(l1[2:5]),
		DateOfBirth:  l2[0:6],
		Sex:          trim(l2[7:8]),
		DateOfExpiry: l2[8:14],
		Nationality:  trim(l2[15:18]),
	}

	number, cd, optional := l1[5:14], l1[14], l1[15:30]
	if cd == '<' {
		// Long document number: the remainder and its check digit open the optional data.
		end := strings.IndexByte(optional, '<')
		if end < 1 {
			return nil, fmt.Errorf("truncated long document number")
		}
		number += optional[:end-1]
		cd = optional[end-1]
		optional = optional[end:]
	}
	if !ValidCheckDigit(number, cd) {
		return nil, fmt.Errorf("document number check digit mismatch")
	}
	d.DocumentNumber = trim(number)
	d.OptionalData = trim(trim(optional) + "<" + trim(l2[18:29]))

	if err := checkDates(l2[0:7], l2[8:15]); err != nil {
		return nil, err
	}
	if !ValidCheckDigit(l1[5:30]+l2[0:7]+l2[8:15]+l2[18:29], l2[29]) {
		return nil, fmt.Errorf("composite check digit mismatch")
	}

	d.PrimaryIdentifier, d.SecondaryIdentifier = splitNames(l3)
	return d, nil
}

func parseTD2(l1, l2 string) (*Data, error) {
	d := &Data{
		Format:       TD2,
		DocumentCode: trim(l1[0:2]),
		IssuingState: trim(l1[2:5]),
		Nationality:  trim(l2[10:13]),
		DateOfBirth:  l2[13:19],
		Sex:          trim(l2[20:21]),
		DateOfExpiry: l2[21:27],
		OptionalData: trim(l2[28:35]),
	}
	d.PrimaryIdentifier, d.SecondaryIdentifier = splitNames(l1[5:36])

	if !ValidCheckDigit(l2[0:9], l2[9]) {
		return nil, fmt.Errorf("document number check digit mismatch")
	}
	d.DocumentNumber = trim(l2[0:9])

	if err := checkDates(l2[13:20], l2[21:28]); err != nil {
		return nil, err
	}
	if !ValidCheckDigit(l2[0:10]+l2[13:20]+l2[21:35], l2[35]) {
		return nil, fmt.Errorf("composite check digit mismatch")
	}
	return d, nil
}

func parseTD3(l1, l2 string) (*Data, error) {
	d := &Data{
		Format:       TD3,
		DocumentCode: trim(l1[0:2]),
		IssuingState: trim(l1[2:5]),
		Nationality:  trim(l2[10:13]),
		DateOfBirth:  l2[13:19],
		Sex:          trim(l2[20:21]),
		DateOfExpiry: l2[21:27],
		OptionalData: trim(l2[28:42]),
	}
	d.PrimaryIdentifier, d.SecondaryIdentifier = splitNames(l1[5:44])

	if !ValidCheckDigit(l2[0:9], l2[9]) {
		return nil, fmt.Errorf("document number check digit mismatch")
	}
	d.DocumentNumber = trim(l2[0:9])

	if err := checkDates(l2[13:20], l2[21:28]); err != nil {
		return nil, err
	}
	if !ValidCheckDigit(l2[28:42], l2[42]) {
		return nil, fmt.Errorf("personal number check digit mismatch")
	}
	if !ValidCheckDigit(l2[0:10]+l2[13:20]+l2[21:43], l2[43]) {
		return nil, fmt.Errorf("composite check digit mismatch")
	}
	return d, nil
}

// checkDates verifies YYMMDD+cd fields for birth and expiry.
func checkDates(dob, doe string) error {
	if !ValidCheckDigit(dob[:6], dob[6]) {
		return fmt.Errorf("date of birth check digit mismatch")
	}
	if !ValidCheckDigit(doe[:6], doe[6]) {
		return fmt.Errorf("date of expiry check digit mismatch")
	}
	return nil
}

func splitNames(field string) (primary, secondary string) {
	parts := strings.SplitN(field, "<<", 2)
	primary = strings.TrimSpace(strings.ReplaceAll(parts[0], "<", " "))
	if len(parts) == 2 {
		secondary = strings.TrimSpace(strings.ReplaceAll(parts[1], "<", " "))
	}
	return primary, secondary
}

func trim(s string) string {
	return strings.Trim(s, "<")
}
