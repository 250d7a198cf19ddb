package iso7816

import (
	"encoding/hex"
	"strings"
	"testing"
)

func makeTx(sw StatusWord) Transaction {
	return Transaction{
		Command:  &CommandAPDU{},
		Response: &ResponseAPDU{Status: sw},
	}
}

func TestTransaction_IsSuccess(t *testing.T) {
	tests := []struct {
		name string
		tx   Transaction
		want bool
	}{
		{
			name: "Successful Transaction (9000)",
			tx:   makeTx(SW_NO_ERROR),
			want: true,
		},
		{
			name: "Warning/Process Completed (6110)",
			tx:   makeTx(NewStatusWord(0x61, 0x10)),
			want: true, // 61xx is considered a success in IsSuccess() logic
		},
		{
			name: "Error Transaction (6A82)",
			tx:   makeTx(SW_ERR_FILE_NOT_FOUND),
			want: false,
		},
		{
			name: "Nil Response (Incomplete Transaction)",
			tx:   Transaction{Command: &CommandAPDU{}, Response: nil},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tx.IsSuccess(); got != tt.want {
				t.Errorf("Transaction.IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrace_Logic(t *testing.T) {
	t.Run("Empty Trace", func(t *testing.T) {
		var tr Trace
		if tr.Last() != nil {
			t.Error("Empty trace Last() should be nil")
		}
		if tr.IsSuccess() {
			t.Error("Empty trace IsSuccess() should be false")
		}
	})

	t.Run("Single Transaction Trace", func(t *testing.T) {
		tr := Trace{makeTx(SW_NO_ERROR)}
		if tr.Last() == nil {
			t.Fatal("Last() should not be nil")
		}
		if !tr.IsSuccess() {
			t.Error("Should be successful")
		}
	})

	t.Run("Multi-Step Trace (Scenario: 61XX then 9000)", func(t *testing.T) {
		// Simulates:
		// 1. SELECT -> 61 10 (Response available)
		// 2. GET RESPONSE -> 90 00 (Success)
		tr := Trace{
			makeTx(NewStatusWord(0x61, 0x10)),
			makeTx(SW_NO_ERROR),
		}

		if tr.Last().Response.Status != SW_NO_ERROR {
			t.Errorf("Last transaction mismatch")
		}
		if !tr.IsSuccess() {
			t.Error("Trace should be successful if the last action succeeded")
		}
	})

	t.Run("Multi-Step Trace (Scenario: Failure at the end)", func(t *testing.T) {
		// Simulates a failure on the final step
		tr := Trace{
			makeTx(SW_NO_ERROR),           // Previous step ok
			makeTx(SW_ERR_FILE_NOT_FOUND), // Final step fails
		}

		if tr.IsSuccess() {
			t.Error("Trace should fail if the last action failed")
		}
	})
}

func TestTrace_Response(t *testing.T) {
	tx := func(data string, sw StatusWord) Transaction {
		return Transaction{Command: &CommandAPDU{}, Response: &ResponseAPDU{Data: mustHex(data), Status: sw}}
	}

	tests := []struct {
		name     string
		trace    Trace
		wantData string
		wantSW   StatusWord
	}{
		{
			name:     "Single Exchange",
			trace:    Trace{tx("0102", SW_NO_ERROR)},
			wantData: "0102",
			wantSW:   SW_NO_ERROR,
		},
		{
			name: "61XX Chain Concatenates",
			trace: Trace{
				tx("0102", NewStatusWord(0x61, 0x02)),
				tx("0304", NewStatusWord(0x61, 0x01)),
				tx("05", SW_NO_ERROR),
			},
			wantData: "0102030405",
			wantSW:   SW_NO_ERROR,
		},
		{
			name: "6CXX Retry Discards",
			trace: Trace{
				tx("", NewStatusWord(0x6C, 0x04)),
				tx("AABBCCDD", SW_NO_ERROR),
			},
			wantData: "AABBCCDD",
			wantSW:   SW_NO_ERROR,
		},
		{
			name:     "Final Error Kept",
			trace:    Trace{tx("", SW_ERR_FILE_NOT_FOUND)},
			wantData: "",
			wantSW:   SW_ERR_FILE_NOT_FOUND,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.trace.Response()
			if resp == nil {
				t.Fatal("Response() returned nil")
			}
			if got := hex.EncodeToString(resp.Data); got != strings.ToLower(tt.wantData) {
				t.Errorf("data = %s, want %s", got, tt.wantData)
			}
			if resp.Status != tt.wantSW {
				t.Errorf("status = %04X, want %04X", uint16(resp.Status), uint16(tt.wantSW))
			}
		})
	}

	if (Trace{}).Response() != nil {
		t.Error("empty trace must not produce a response")
	}
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
