package model

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. Only ErrValidation and ErrConfiguration are surfaced
// to event submitters; the rest are handled with logs, metrics and alerts.
var (
	ErrValidation           = errors.New("validation error")
	ErrConfiguration        = errors.New("configuration error")
	ErrSplitUnresolved      = errors.New("split unresolved")
	ErrDuplicateEvent       = errors.New("duplicate event")
	ErrUpstreamConnectivity = errors.New("upstream connectivity error")
	ErrDownstreamDependency = errors.New("downstream dependency error")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
	ErrNotFound             = errors.New("not found")
	ErrUnauthenticated      = errors.New("invalid api key")
)

// PipelineError carries an operation name, an error kind and the cause.
type PipelineError struct {
	Op   string
	Kind error
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap builds a PipelineError. err may be nil.
func Wrap(op string, kind, err error) error {
	return &PipelineError{Op: op, Kind: kind, Err: err}
}

// Errorf builds a PipelineError whose cause is a formatted message.
func Errorf(op string, kind error, format string, args ...any) error {
	return &PipelineError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}
