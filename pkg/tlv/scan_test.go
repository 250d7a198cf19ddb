package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		wantTag    uint32
		wantLength int
		wantHeader int
	}{
		{"Short Form", Hex("61 05"), 0x61, 5, 2},
		{"Two Byte Tag", Hex("5F1F 58"), 0x5F1F, 0x58, 3},
		{"Long Form 81", Hex("75 81 C8"), 0x75, 0xC8, 3},
		{"Long Form 82", Hex("77 82 06 2E 30"), 0x77, 0x062E, 4},
		{"Header Only", Hex("7F61 83 01 00 00"), 0x7F61, 0x010000, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, length, hl, err := ParseHeader(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tag != tt.wantTag || length != tt.wantLength || hl != tt.wantHeader {
				t.Errorf("got (%X, %d, %d), want (%X, %d, %d)",
					tag, length, hl, tt.wantTag, tt.wantLength, tt.wantHeader)
			}
		})
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"Empty", nil},
		{"Missing Length", Hex("5F1F")},
		{"Indefinite", Hex("30 80")},
		{"Truncated Long Length", Hex("77 82 06")},
		{"Invalid Length Byte", Hex("77 85 00 00 00 00 01")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := ParseHeader(tt.input); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSplitKeepsRawEncoding(t *testing.T) {
	data := Hex("87 09 01 11223344 55667788", "99 02 9000", "8E 08 0102030405060708")

	objects, err := Split(data)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objects))
	}

	joined := append(append(append([]byte{}, objects[0].Raw...), objects[1].Raw...), objects[2].Raw...)
	if !bytes.Equal(joined, data) {
		t.Errorf("raw encodings do not rebuild the input:\n%X\n%X", joined, data)
	}

	sw := Find(objects, 0x99)
	if sw == nil || !bytes.Equal(sw.Value, Hex("9000")) {
		t.Errorf("DO99 not found or wrong value: %+v", sw)
	}
	if Find(objects, 0x85) != nil {
		t.Error("unexpected DO85")
	}
}

func TestSplitTruncated(t *testing.T) {
	_, err := Split(Hex("87 09 01 1122"))
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		tag   uint32
		value []byte
		want  []byte
	}{
		{"Short", 0x80, Hex("0102"), Hex("80 02 0102")},
		{"Two Byte Tag", 0x7F49, Hex("8601 00"), Hex("7F49 03 860100")},
		{"Long 81", 0x87, bytes.Repeat([]byte{0xAA}, 0x90), append(Hex("87 81 90"), bytes.Repeat([]byte{0xAA}, 0x90)...)},
		{"Long 82", 0x53, make([]byte, 0x0100), append(Hex("53 82 0100"), make([]byte, 0x0100)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Encode(tt.tag, tt.value)); diff != "" {
				t.Errorf("Encode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsConstructed(t *testing.T) {
	if !IsConstructed(0x7C) || !IsConstructed(0x7F49) || !IsConstructed(0x61) {
		t.Error("expected constructed tags")
	}
	if IsConstructed(0x80) || IsConstructed(0x5F1F) {
		t.Error("expected primitive tags")
	}
}
