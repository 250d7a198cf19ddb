package iso7816

import (
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
)

// Reason names the failure family of a status word, so that callers never have to
// compare raw SW bytes.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonWrongLength
	ReasonEndOfFile
	ReasonVerificationFailed // 63XX
	ReasonMemoryFailure
	ReasonSecureMessagingNotSupported
	ReasonSecurityStatusNotSatisfied
	ReasonAuthenticationBlocked
	ReasonReferenceDataNotUsable
	ReasonConditionsNotSatisfied
	ReasonNoCurrentEF
	ReasonSMDataObjectsMissing
	ReasonSMDataObjectsIncorrect
	ReasonIncorrectData
	ReasonFunctionNotSupported
	ReasonFileNotFound
	ReasonRecordNotFound
	ReasonWrongParameters
	ReasonReferenceDataNotFound
	ReasonInstructionNotSupported
	ReasonClassNotSupported
)

var reasonNames = map[Reason]string{
	ReasonUnknown:                     "unknown status",
	ReasonWrongLength:                 "wrong length",
	ReasonEndOfFile:                   "end of file reached",
	ReasonVerificationFailed:          "verification failed",
	ReasonMemoryFailure:               "memory failure",
	ReasonSecureMessagingNotSupported: "secure messaging not supported",
	ReasonSecurityStatusNotSatisfied:  "security status not satisfied",
	ReasonAuthenticationBlocked:       "authentication method blocked",
	ReasonReferenceDataNotUsable:      "reference data not usable",
	ReasonConditionsNotSatisfied:      "conditions of use not satisfied",
	ReasonNoCurrentEF:                 "no current elementary file",
	ReasonSMDataObjectsMissing:        "secure messaging data objects missing",
	ReasonSMDataObjectsIncorrect:      "secure messaging data objects incorrect",
	ReasonIncorrectData:               "incorrect data field",
	ReasonFunctionNotSupported:        "function not supported",
	ReasonFileNotFound:                "file not found",
	ReasonRecordNotFound:              "record not found",
	ReasonWrongParameters:             "wrong parameters P1-P2",
	ReasonReferenceDataNotFound:       "reference data not found",
	ReasonInstructionNotSupported:     "instruction not supported",
	ReasonClassNotSupported:           "class not supported",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Reason maps the status word to its failure family.
func (sw StatusWord) Reason() Reason {
	switch sw {
	case SW_WARN_EOF_REACHED:
		return ReasonEndOfFile
	case SW_ERR_MEMORY_FAILURE:
		return ReasonMemoryFailure
	case SW_ERR_SECURE_MESSAGING_NOT_SUPP:
		return ReasonSecureMessagingNotSupported
	case SW_ERR_SECURITY_STATUS_NOT_SAT:
		return ReasonSecurityStatusNotSatisfied
	case SW_ERR_AUTH_METHOD_BLOCKED:
		return ReasonAuthenticationBlocked
	case SW_ERR_REF_DATA_NOT_USABLE:
		return ReasonReferenceDataNotUsable
	case SW_ERR_COND_OF_USE_NOT_SAT:
		return ReasonConditionsNotSatisfied
	case SW_ERR_CMD_NOT_ALLOWED_NO_EF:
		return ReasonNoCurrentEF
	case SW_ERR_SM_OBJ_MISSING:
		return ReasonSMDataObjectsMissing
	case SW_ERR_SM_OBJ_INCORRECT:
		return ReasonSMDataObjectsIncorrect
	case SW_ERR_INCORRECT_PARAMS_DATA:
		return ReasonIncorrectData
	case SW_ERR_FUNC_NOT_SUPPORTED:
		return ReasonFunctionNotSupported
	case SW_ERR_FILE_NOT_FOUND:
		return ReasonFileNotFound
	case SW_ERR_RECORD_NOT_FOUND:
		return ReasonRecordNotFound
	case SW_ERR_INCORRECT_PARAMS_P1P2, SW_ERR_WRONG_P1P2:
		return ReasonWrongParameters
	case SW_ERR_REF_DATA_NOT_FOUND:
		return ReasonReferenceDataNotFound
	}

	switch sw.SW1() {
	case 0x63:
		return ReasonVerificationFailed
	case 0x67, 0x6C:
		return ReasonWrongLength
	case 0x6D:
		return ReasonInstructionNotSupported
	case 0x6E:
		return ReasonClassNotSupported
	}
	return ReasonUnknown
}

// StatusError reports a response that ended with a non success status word.
type StatusError struct {
	Status      StatusWord
	Reason      Reason
	Instruction InsCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %04X (%s)", e.Instruction, uint16(e.Status), e.Reason)
}

// Kind is the default classification of the status: absent files and records are
// KindNotFound, everything else is KindProtocol. Handshake code reclassifies chip
// rejections as KindAuthentication.
func (e *StatusError) Kind() mrtderr.Kind {
	switch e.Reason {
	case ReasonFileNotFound, ReasonRecordNotFound:
		return mrtderr.KindNotFound
	default:
		return mrtderr.KindProtocol
	}
}

// Err returns nil for 9000, and a classified *StatusError otherwise.
func (r *ResponseAPDU) Err(ins InsCode) error {
	if r.Status == SW_NO_ERROR {
		return nil
	}
	se := &StatusError{Status: r.Status, Reason: r.Status.Reason(), Instruction: ins}
	return mrtderr.E(se.Kind(), "iso7816."+ins.String(), se)
}
