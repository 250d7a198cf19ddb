package tlv

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
)

// personalDetails mirrors a few objects of DG11 (additional personal details).
type personalDetails struct {
	FullName     string       `tlv:"5F0E,text"`
	TagList      []byte       `tlv:"5C" fmt:"tags"`
	PlaceOfBirth []byte       `tlv:"5F11" fmt:"ascii"`
	Count        []byte       `tlv:"02" fmt:"int"`
	Digest       []byte       // no tag: raw hex
	Telephone    []byte       `tlv:"5F12"`
	Unknown      []bertlv.TLV // objects without a field
}

func TestWriteStructFields(t *testing.T) {
	dg11 := personalDetails{
		FullName:     "ERIKSSON<<ANNA<MARIA",
		TagList:      []byte{0x5F, 0x0E, 0x5F, 0x11},
		PlaceOfBirth: []byte("ZENITH\x00"),
		Count:        []byte{0x01, 0x00},
		Digest:       []byte{0xCA, 0xFE},
		Unknown: []bertlv.TLV{
			{Tag: "5F2B", Value: []byte("19740812")},
		},
	}

	tests := []struct {
		name          string
		prefix        string
		input         interface{}
		expectedLines []string
	}{
		{
			name:   "Pointer",
			prefix: "DG11",
			input:  &dg11,
			expectedLines: []string{
				"    - DG11.FullName (5F0E): ERIKSSON<<ANNA<MARIA",
				"    - DG11.TagList (5C): 5F 0E 5F 11",
				`    - DG11.PlaceOfBirth (5F11): 5A454E49544800 ("ZENITH.")`,
				"    - DG11.Count (02): 0100 (Dec: 256)",
				"    - DG11.Digest: CAFE",
				"    - DG11.Unknown Tag 5F2B: 3139373430383132",
			},
		},
		{
			name:   "Value Without Optional Objects",
			prefix: "P",
			input:  personalDetails{FullName: "SMITH<<JOHN"},
			expectedLines: []string{
				"    - P.FullName (5F0E): SMITH<<JOHN",
			},
		},
		{
			name:          "Nil Pointer",
			prefix:        "Nil",
			input:         (*personalDetails)(nil),
			expectedLines: []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sb strings.Builder
			WriteStructFields(&sb, tt.prefix, tt.input)
			actualLines := strings.Split(sb.String(), "\n")

			if diff := cmp.Diff(tt.expectedLines, actualLines); diff != "" {
				t.Errorf("Mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteStructFields_Appends(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("EF.DG11")
	WriteStructFields(&sb, "DG11", personalDetails{FullName: "A"})

	want := "EF.DG11\n    - DG11.FullName (5F0E): A"
	if sb.String() != want {
		t.Errorf("got %q, want %q", sb.String(), want)
	}
}

func TestMakeSafeASCII(t *testing.T) {
	input := []byte("P<UTO\x00\x1F\x7F")
	if got := MakeSafeASCII(input); got != "P<UTO..." {
		t.Errorf("MakeSafeASCII() = %q", got)
	}
}
