package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// ReadBinaryResult represents the outcome of a READ BINARY command execution.
type ReadBinaryResult struct {
	Trace
}

func NewReadBinaryResult(t Trace) (*ReadBinaryResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	ins := t[0].Command.Instruction.Raw
	if ins != INS_READ_BINARY && ins != INS_READ_BINARY_BER {
		return nil, fmt.Errorf("trace must start with READ BINARY command (got %02X)", byte(ins))
	}

	return &ReadBinaryResult{Trace: t}, nil
}

// Describe generates a detailed, ASCII-formatted report of the read operation.
func (r *ReadBinaryResult) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== READ BINARY COMMAND REPORT ===\n")

	tx0 := r.Trace[0]
	cmd := tx0.Command

	sb.WriteString(fmt.Sprintf("[1] Command: %s\n", cmd.Instruction.Raw))

	offset, sfi, err := ReadBinaryOffset(cmd)
	targetStr := "Current EF"
	if sfi > 0 {
		targetStr = fmt.Sprintf("SFI %02X (%d)", sfi, sfi)
	}
	sb.WriteString(fmt.Sprintf("    + Target:  %s\n", targetStr))
	if err != nil {
		sb.WriteString(fmt.Sprintf("    + Offset:  invalid (%v)\n", err))
	} else {
		sb.WriteString(fmt.Sprintf("    + Offset:  %04X (%d)\n", offset, offset))
	}
	sb.WriteString(fmt.Sprintf("    + Le:      %d\n", cmd.Ne))

	sw := tx0.Response.Status
	swHex := fmt.Sprintf("%02X %02X", sw.SW1(), sw.SW2())

	resultMsg := "[OK]"
	resultDesc := "SW_NO_ERROR"

	switch {
	case sw.SW1() == 0x61:
		resultDesc = fmt.Sprintf("%02X (%d) bytes still available", sw.SW2(), sw.SW2())
	case sw.SW1() == 0x6C:
		resultMsg = "[!!]"
		resultDesc = fmt.Sprintf("Wrong length, correct is %02X (%d)", sw.SW2(), sw.SW2())
	case sw == SW_WARN_EOF_REACHED:
		resultMsg = "[..]"
		resultDesc = sw.Verbose()
	case sw != SW_NO_ERROR:
		resultMsg = "[!!]"
		resultDesc = sw.Verbose()
	}

	sb.WriteString(fmt.Sprintf("    + Result:  [%s] %s %s\n", swHex, resultMsg, resultDesc))
	sb.WriteString("\n")

	if len(r.Trace) > 1 {
		sb.WriteString(fmt.Sprintf("[2] Protocol: Auto-handling (%d steps)\n", len(r.Trace)))
		sb.WriteString(fmt.Sprintf("    + Final SW: [%04X]\n", uint16(r.Last().Response.Status)))
	}

	sb.WriteString("[=] DATA OUTCOME:\n")
	payload, err := ReadBinaryPayload(cmd.Instruction.Raw, r.Response().Data)
	switch {
	case err != nil:
		sb.WriteString(fmt.Sprintf("    - Malformed Data: %v\n", err))
	case len(payload) > 0:
		sb.WriteString(fmt.Sprintf("    + Length: %d bytes\n", len(payload)))
		sb.WriteString(fmt.Sprintf("    + Dump:   %X\n", payload))
		sb.WriteString(fmt.Sprintf("    + ASCII:  %q\n", tlv.MakeSafeASCII(payload)))
	default:
		sb.WriteString("    - No Data Received.\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}
