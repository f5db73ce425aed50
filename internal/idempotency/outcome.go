package idempotency

import "encoding/json"

// Kind enumerates what a call to Execute resolved to.
type Kind int

const (
	// Succeeded carries the operation result, fresh or replayed.
	Succeeded Kind = iota + 1
	// InProgress means another caller owns the key right now.
	InProgress
	// Rejected means a previous attempt under the key failed terminally.
	Rejected
	// ExecutionFailed means this call's own attempt failed.
	ExecutionFailed
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case InProgress:
		return "in_progress"
	case Rejected:
		return "rejected"
	case ExecutionFailed:
		return "execution_failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of Execute. Result and Cached are set only for
// Succeeded; Err is set only for ExecutionFailed.
type Outcome struct {
	Kind   Kind
	Result json.RawMessage
	Cached bool
	Err    error
}

func (o Outcome) label() string {
	if o.Kind == Succeeded && o.Cached {
		return "replayed"
	}
	return o.Kind.String()
}
