package volume

import "fmt"

// Status is the top-level outcome of a MakeRequest call, modeled on the
// three-value SCSI command status.
type Status int

const (
	StatusGood Status = iota
	StatusCheckCondition
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusCheckCondition:
		return "check-condition"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SenseKey narrows a CheckCondition status to a cause, in the spirit of
// the SCSI sense key field.
type SenseKey int

const (
	SenseNone SenseKey = iota
	SenseNotReady
	SenseUnitAttention
	SenseIllegalRequest
	SenseMediumError
	SenseVolumeOverflow
)

func (k SenseKey) String() string {
	switch k {
	case SenseNone:
		return "none"
	case SenseNotReady:
		return "not-ready"
	case SenseUnitAttention:
		return "unit-attention"
	case SenseIllegalRequest:
		return "illegal-request"
	case SenseMediumError:
		return "medium-error"
	case SenseVolumeOverflow:
		return "volume-overflow"
	default:
		return fmt.Sprintf("sense(%d)", int(k))
	}
}

// Result is the {status, sense_key, asc, ascq} tuple MakeRequest returns.
// ASC/ASCQ carry no meaning beyond the sense key in this engine; they
// exist so callers that bridge to a real SCSI/iSCSI target front-end
// (outside this package's scope) have somewhere to put the
// additional/additional-qualifier codes that front-end expects.
type Result struct {
	Status   Status
	Sense    SenseKey
	ASC      byte
	ASCQ     byte
}

// OK reports whether the result is true-ish: Good, or CheckCondition with
// a sense key of NotReady or UnitAttention.
func (r Result) OK() bool {
	if r.Status == StatusGood {
		return true
	}
	return r.Status == StatusCheckCondition && (r.Sense == SenseNotReady || r.Sense == SenseUnitAttention)
}

func ResultOK() Result {
	return Result{Status: StatusGood}
}

func ResultIllegalRequest() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseIllegalRequest}
}

func ResultNotReady() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseNotReady}
}

func ResultReadError() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseMediumError, ASC: 0x11}
}

func ResultWriteError() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseMediumError, ASC: 0x0c}
}

// ResultFull is returned in place of ResultWriteError when the failing
// write's errctx.Context reports Full: the chunk store has reached its
// configured capacity rather than hit an ordinary I/O error.
func ResultFull() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseVolumeOverflow, ASC: 0x27}
}

func ResultMediumError() Result {
	return Result{Status: StatusCheckCondition, Sense: SenseMediumError}
}

func ResultBusy() Result {
	return Result{Status: StatusBusy}
}
