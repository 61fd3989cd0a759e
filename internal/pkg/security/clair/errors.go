package clair

import "fmt"

// Phase is a step of the two-phase Clair protocol.
type Phase int

const (
	// PhaseRegister posts the layer to Clair so that it gets analyzed.
	PhaseRegister Phase = iota
	// PhaseFetch retrieves the vulnerabilities of an analyzed layer.
	PhaseFetch
)

func (p Phase) String() string {
	if p == PhaseRegister {
		return "post"
	}
	return "get"
}

// FailureKind classifies why a layer could not be processed.
type FailureKind int

const (
	// PostFailed means Clair rejected the layer registration.
	PostFailed FailureKind = iota + 1
	// FetchFailed means Clair answered the vulnerability query with an error.
	FetchFailed
	// Unreachable means the request never got a response (connection refused, timeout, ...).
	Unreachable
	// MalformedResponse means the response body could not be understood.
	MalformedResponse
)

func (k FailureKind) String() string {
	switch k {
	case PostFailed:
		return "PostFailed"
	case FetchFailed:
		return "FetchFailed"
	case Unreachable:
		return "Unreachable"
	case MalformedResponse:
		return "MalformedResponse"
	default:
		return "Unknown"
	}
}

// LayerError is the failure of one layer at one phase of the protocol.
type LayerError struct {
	Kind   FailureKind
	Phase  Phase
	Digest string
	Err    error
}

func newLayerError(kind FailureKind, phase Phase, digest string, err error) *LayerError {
	return &LayerError{Kind: kind, Phase: phase, Digest: digest, Err: err}
}

// Error returns the message of the underlying error, untouched.
func (e *LayerError) Error() string {
	return e.Err.Error()
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// LogMessage returns the debug line reported for this failure. Operators grep for these, keep them stable.
func (e *LayerError) LogMessage() string {
	if e.Phase == PhaseRegister {
		return fmt.Sprintf("Could not post '%s': %s", e.Digest, e.Err.Error())
	}
	return fmt.Sprintf("Error for '%s': %s", e.Digest, e.Err.Error())
}
