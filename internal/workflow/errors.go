package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures surfaced by the intake core.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindPersistence    Kind = "persistence"
	KindInitialization Kind = "initialization"
	KindSubscription   Kind = "subscription"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownSection  = errors.New("unknown section")
	ErrInvalidValue    = errors.New("invalid value")
	ErrLinkExpired     = errors.New("access link expired")
	ErrMissingEmail    = errors.New("identity has no email")
	ErrMissingIdentity = errors.New("identity has no id")
	ErrNotReady        = errors.New("session not ready")
	ErrNotBound        = errors.New("no section bound")
)

// Error carries the kind of failure plus enough context for a caller to
// decide whether to retry.
type Error struct {
	Kind       Kind
	Op         string
	WorkflowID string
	SectionID  string
	FieldID    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{string(e.Kind), e.Op}
	if e.WorkflowID != "" {
		parts = append(parts, "workflow="+e.WorkflowID)
	}
	if e.SectionID != "" {
		parts = append(parts, "section="+e.SectionID)
	}
	if e.FieldID != "" {
		parts = append(parts, "field="+e.FieldID)
	}
	msg := strings.Join(parts, " ")
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}
