package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies optimizer failures
type ErrorKind int

const (
	InvalidModelProfile       ErrorKind = iota + 1 // malformed static input, rejected at load
	InsufficientAggregateVRAM                      // no feasible placement on the current devices
	PlacementExceedsMemory                         // placement invalidated by newer telemetry
	RequestExceedsContext                          // a single request cannot fit even alone
	InvalidSnapshot                                // telemetry violating used <= total, or duplicate devices
	InvalidConfig                                  // option out of range
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidModelProfile:
		return "InvalidModelProfile"
	case InsufficientAggregateVRAM:
		return "InsufficientAggregateVRAM"
	case PlacementExceedsMemory:
		return "PlacementExceedsMemory"
	case RequestExceedsContext:
		return "RequestExceedsContext"
	case InvalidSnapshot:
		return "InvalidSnapshot"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrInvalidModelProfile       = &Error{Kind: InvalidModelProfile}
	ErrInsufficientAggregateVRAM = &Error{Kind: InsufficientAggregateVRAM}
	ErrPlacementExceedsMemory    = &Error{Kind: PlacementExceedsMemory}
	ErrRequestExceedsContext     = &Error{Kind: RequestExceedsContext}
	ErrInvalidSnapshot           = &Error{Kind: InvalidSnapshot}
	ErrInvalidConfig             = &Error{Kind: InvalidConfig}
)

// Error is returned by the cost model, the solvers and the assembler.
type Error struct {
	Kind           ErrorKind
	Msg            string
	DeviceID       int    // offending device, -1 if none
	ShortfallBytes uint64 // bytes missing for InsufficientAggregateVRAM
	Err            error  // wrapped cause
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Msg:      fmt.Sprintf(format, args...),
		DeviceID: -1,
	}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of an optimizer error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
