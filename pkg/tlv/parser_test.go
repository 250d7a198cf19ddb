package tlv

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/moov-io/bertlv"
)

type digestType struct {
	Val string
}

func (c *digestType) UnmarshalTLV(data []byte) error {
	c.Val = "digest:" + hex.EncodeToString(data)
	return nil
}

type versionInfo struct {
	Unicode []byte `tlv:"5F36"`
}

type comLike struct {
	LDSVersion string       `tlv:"5F01,text"`
	TagList    []byte       `tlv:"5C"`
	Holder     string       `tlv:"5F0E"`
	Details    versionInfo  `tlv:"A5"`
	Digest     digestType   `tlv:"9F02"`
	Other      []bertlv.TLV `tlv:",unknown"`
}

func TestUnmarshal(t *testing.T) {
	rawData := Hex(
		"5F01", "04", "30313037", // "0107"
		"5C", "02", "6175", // DG1, DG2
		"5F0E", "03", "414243",
		"A5", "06", "5F3603040000",
		"9F02", "01", "AA",
		"DF01", "01", "BB",
	)

	var result comLike
	if err := Unmarshal(rawData, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result.LDSVersion != "0107" {
		t.Errorf("expected text field 0107, got %q", result.LDSVersion)
	}
	if hex.EncodeToString(result.TagList) != "6175" {
		t.Errorf("expected tag list 6175, got %x", result.TagList)
	}
	if result.Holder != "414243" {
		t.Errorf("expected hex string 414243, got %s", result.Holder)
	}
	if hex.EncodeToString(result.Details.Unicode) != "040000" {
		t.Errorf("expected nested 040000, got %x", result.Details.Unicode)
	}
	if result.Digest.Val != "digest:aa" {
		t.Errorf("expected digest:aa, got %s", result.Digest.Val)
	}
	if len(result.Other) != 1 || !strings.EqualFold(result.Other[0].Tag, "DF01") {
		t.Errorf("unknown tag DF01 not captured correctly: %v", result.Other)
	}
}

func TestGetValue(t *testing.T) {
	rawData := Hex(
		"5F1F", "03", "503C55",
		"7F49", "03", "860100",
	)

	t.Run("Primitive Tag", func(t *testing.T) {
		val, err := GetValue(rawData, 0x5F1F)
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		if string(val) != "P<U" {
			t.Errorf("expected P<U, got %q", val)
		}
	})

	t.Run("Constructed Tag Keeps Encoding", func(t *testing.T) {
		val, err := GetValue(rawData, 0x7F49)
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		if hex.EncodeToString(val) != "860100" {
			t.Errorf("expected 860100, got %x", val)
		}
	})

	t.Run("Missing Tag", func(t *testing.T) {
		if _, err := GetValue(rawData, 0x99); err == nil {
			t.Error("expected error for missing tag, got nil")
		}
	})
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("Non-pointer target", func(t *testing.T) {
		err := Unmarshal([]byte{0x5C, 0x00}, comLike{})
		if err == nil || !strings.Contains(err.Error(), "pointer") {
			t.Errorf("expected pointer error, got %v", err)
		}
	})
}
