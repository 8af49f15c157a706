// Package errors defines the engine's typed error kinds and sentinel base
// errors. Action-local failures never propagate past the executor; only the
// public entrypoints surface errors to callers.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateRuleID = errors.New("duplicate rule id")
	ErrInvalidInput    = errors.New("invalid input")
	ErrCascadeDepth    = errors.New("cascade depth exceeded")
	ErrEngineStopped   = errors.New("engine stopped")
)

// Kind categorizes an engine error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindDuplicateRule       Kind = "duplicate_rule"
	KindReferenceResolution Kind = "reference_resolution"
	KindConditionEvaluation Kind = "condition_evaluation"
	KindActionFailure       Kind = "action_failure"
	KindRuleFailed          Kind = "rule_failed"
	KindPersistence         Kind = "persistence"
	KindCascadeDepth        Kind = "cascade_depth"
)

// EngineError is a structured error for engine operations.
type EngineError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "register_rule", "flush"
	RuleID    string
	Err       error
	Timestamp time.Time
}

func (e *EngineError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s failed for rule %s: %v", e.Op, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the sentinel base errors.
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrDuplicateRuleID:
		return e.Kind == KindDuplicateRule
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrCascadeDepth:
		return e.Kind == KindCascadeDepth
	}
	return errors.Is(e.Err, target)
}

// New creates a new EngineError.
func New(kind Kind, op string, err error) *EngineError {
	return &EngineError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithRule attaches the rule id to the error.
func (e *EngineError) WithRule(ruleID string) *EngineError {
	e.RuleID = ruleID
	return e
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *EngineError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf extracts the kind from an error chain, or "" if untyped.
func KindOf(err error) Kind {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return ""
}

// Issue is a single path-qualified validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError aggregates ingest-time findings for one RuleInput.
// Issues are collected, not thrown per-issue.
type ValidationError struct {
	RuleID string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("rule %q invalid: %s", e.RuleID, strings.Join(parts, "; "))
}

// Is makes ValidationError match ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add appends an issue.
func (e *ValidationError) Add(path, format string, args ...interface{}) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Empty reports whether no issues were collected.
func (e *ValidationError) Empty() bool {
	return len(e.Issues) == 0
}
