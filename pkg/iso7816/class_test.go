package iso7816

import (
	"testing"
)

func TestNewClass(t *testing.T) {
	tests := []struct {
		name    string
		cla     byte
		wantErr bool
		want    Class
	}{
		{name: "Plain", cla: 0x00, want: Class{Raw: 0x00}},
		{
			name: "Secure Messaging",
			cla:  0x0C,
			want: Class{Raw: 0x0C, SecureMessaging: SMHeaderAuth},
		},
		{
			name: "Chained GENERAL AUTHENTICATE",
			cla:  0x10,
			want: Class{Raw: 0x10, IsChained: true},
		},
		{
			name: "Chained, Protected, Channel 3",
			// 0b000(First)_1(Chain)_11(SMAuth)_11(Ch3)
			cla:  0b000_1_11_11,
			want: Class{Raw: 0x1F, IsChained: true, SecureMessaging: SMHeaderAuth, Channel: 3},
		},
		{name: "Reserved FF", cla: 0xFF, wantErr: true},
		{name: "Proprietary", cla: 0x80, wantErr: true},
		{name: "Further Interindustry", cla: 0x40, wantErr: true},
		{name: "Reserved Bit 6", cla: 0x20, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClass(tt.cla)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClass(%02X) error = %v, wantErr %v", tt.cla, err, tt.wantErr)
			}
			if !tt.wantErr && c != tt.want {
				t.Errorf("NewClass(%02X) = %+v, want %+v", tt.cla, c, tt.want)
			}
		})
	}
}

func TestClass_Encode(t *testing.T) {
	for _, cla := range []byte{0x00, 0x0C, 0x10, 0x1C, 0x01, 0x1F} {
		c, err := NewClass(cla)
		if err != nil {
			t.Fatalf("NewClass(%02X): %v", cla, err)
		}
		encoded, err := c.Encode()
		if err != nil {
			t.Fatalf("Encode %+v: %v", c, err)
		}
		if encoded != cla {
			t.Errorf("round trip: got %02X, want %02X", encoded, cla)
		}
	}

	bad := Class{Channel: 4}
	if _, err := bad.Encode(); err == nil {
		t.Error("channel 4 must not encode")
	}
	bad = Class{SecureMessaging: 4}
	if _, err := bad.Encode(); err == nil {
		t.Error("SM indicator 4 must not encode")
	}
}

func TestClass_ProtectedAndChaining(t *testing.T) {
	tests := []struct {
		name string
		cls  Class
		want byte
	}{
		{"Plain", Plain, 0x00},
		{"Protected", Plain.Protected(), 0x0C},
		{"Chained", Plain.WithChaining(true), 0x10},
		{"Chained and Protected", Plain.WithChaining(true).Protected(), 0x1C},
		{"Chaining Cleared", Plain.WithChaining(true).WithChaining(false), 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cls.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if got != tt.want || tt.cls.Raw != tt.want {
				t.Errorf("got %02X (raw %02X), want %02X", got, tt.cls.Raw, tt.want)
			}
		})
	}
}

func TestClass_Verbose(t *testing.T) {
	want := "CLA 1C: chained, SM ISO, header authenticated, channel 0"
	if got := Plain.WithChaining(true).Protected().Verbose(); got != want {
		t.Errorf("Verbose() = %q, want %q", got, want)
	}
}
