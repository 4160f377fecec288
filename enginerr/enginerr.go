// Package enginerr implements the engine's error taxonomy as typed,
// errors.Is-comparable values: InvalidTransition, DuplicateUUID,
// UnknownSymbol, NoMarketData, RiskRejected, StuckOrder and
// PersistenceError. EventProcessor classifies every error it sees against
// this taxonomy to decide whether the current bar aborts the run or
// merely logs and moves on.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindInvalidTransition Kind = "invalid_transition"
	KindDuplicateUUID     Kind = "duplicate_uuid"
	KindUnknownSymbol     Kind = "unknown_symbol"
	KindNoMarketData      Kind = "no_market_data"
	KindRiskRejected      Kind = "risk_rejected"
	KindStuckOrder        Kind = "stuck_order"
	KindPersistence       Kind = "persistence_error"
)

// Fatal reports whether an error of this kind aborts the run.
// InvalidTransition and StuckOrder are pipeline-level and fatal;
// UnknownSymbol/NoMarketData are skip-and-log; RiskRejected is a normal
// outcome, never raised as an error at all.
func (k Kind) Fatal() bool {
	switch k {
	case KindInvalidTransition, KindDuplicateUUID, KindStuckOrder:
		return true
	case KindPersistence:
		return true // fatal at end-of-day; Runner may retry once before abort
	default:
		return false
	}
}

// EngineError wraps an underlying error with its taxonomy Kind and the
// component that raised it.
type EngineError struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s[%s]: %v", e.Component, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New wraps err as an EngineError of the given kind, attributing it to
// component (e.g. "oms", "exchange", "eventprocessor").
func New(kind Kind, component string, err error) *EngineError {
	return &EngineError{Kind: kind, Component: component, Err: err}
}

// StuckOrderError names the uuid(s) that survived a bar boundary in a
// transient state without resolving.
type StuckOrderError struct {
	UUIDs []string
}

func (e *StuckOrderError) Error() string {
	return fmt.Sprintf("enginerr: %d order(s) stuck in a transient state across a bar boundary: %v", len(e.UUIDs), e.UUIDs)
}

// As reports whether err (or something it wraps) is a Kind-classified
// EngineError of kind k.
func As(err error, k Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == k
	}
	var stuck *StuckOrderError
	if k == KindStuckOrder && errors.As(err, &stuck) {
		return true
	}
	return false
}

// IsFatal reports whether err should abort the current run, classifying
// it against the taxonomy if it isn't already an EngineError.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind.Fatal()
	}
	var stuck *StuckOrderError
	if errors.As(err, &stuck) {
		return true
	}
	// Unclassified errors are treated as fatal-by-default: callers should
	// classify known-safe errors (NoMarketData, UnknownSymbol) explicitly
	// before they reach here.
	return true
}
