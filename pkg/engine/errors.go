package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict in the target environment.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid templates, cycles, missing templates.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the item ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (item=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (item=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds item context to an error.
func (e *EngineError) WithResource(itemID string) *EngineError {
	e.Resource = itemID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the error code carried by err, or ErrCodeInternal when err
// carries no classification.
func CodeOf(err error) string {
	var (
		cyc  *CyclicDependencyError
		tnf  *TemplateNotFoundError
		dep  *DependencyFailedError
		mat  *MaterializationError
		dpl  *DeploymentError
		engE *EngineError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dpl):
		return ErrCodeDeploymentFailed
	case errors.As(err, &dep):
		return ErrCodeDependencyFailed
	case errors.As(err, &cyc):
		return ErrCodeCyclicDependency
	case errors.As(err, &tnf):
		return ErrCodeTemplateNotFound
	case errors.As(err, &mat):
		return ErrCodeMaterializationFailed
	case errors.As(err, &engE) && engE.Code != "":
		return engE.Code
	}
	return ErrCodeInternal
}

// Common error codes.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeTemplateNotFound      = "TEMPLATE_NOT_FOUND"
	ErrCodeMaterializationFailed = "MATERIALIZATION_FAILED"
	ErrCodeDependencyFailed      = "DEPENDENCY_FAILED"
	ErrCodeDeploymentFailed      = "DEPLOYMENT_FAILED"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodePolicyDenied          = "POLICY_DENIED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// CyclicDependencyError is returned by sequencing when the templates contain
// a dependency cycle. Nothing is deployed when it is raised.
type CyclicDependencyError struct {
	// Cycle lists the participating ids, starting and ending with the same id.
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclical dependency graph detected: " + strings.Join(e.Cycle, " -> ")
}

// TemplateNotFoundError is returned when a deployment task references a
// template absent from the supplied collection.
type TemplateNotFoundError struct {
	ItemID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.ItemID)
}

// MaterializationError wraps any failure returned by a Materializer.
type MaterializationError struct {
	ItemID string
	Type   string
	Err    error
}

func (e *MaterializationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("failed to create item %s (%s): %v", e.ItemID, e.Type, e.Err)
	}
	return fmt.Sprintf("failed to create item %s: %v", e.ItemID, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// DependencyFailedError marks an item that was never materialized because
// one of its ancestors failed.
type DependencyFailedError struct {
	// ItemID is the skipped item.
	ItemID string

	// RootCause is the id of the ancestor whose own task failed.
	RootCause string

	// Err is the root cause's error.
	Err error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("item %s skipped due to upstream failure of %s", e.ItemID, e.RootCause)
}

func (e *DependencyFailedError) Unwrap() error {
	return e.Err
}

// DeploymentError aggregates every item failure of a deployment.
type DeploymentError struct {
	// Failed maps item id to the reason that item did not deploy.
	Failed map[string]error

	// First is the id of the first item whose failure was observed.
	First string
}

func (e *DeploymentError) Error() string {
	roots := e.RootCauses()
	first := e.First
	if _, ok := roots[first]; !ok {
		for _, id := range sortedKeys(roots) {
			first = id
			break
		}
	}
	if first == "" {
		return fmt.Sprintf("deployment failed: %d item(s) failed", len(e.Failed))
	}
	return fmt.Sprintf("deployment failed: %d item(s) failed, %d root cause(s); first: %v",
		len(e.Failed), len(roots), e.Failed[first])
}

// Unwrap exposes every item failure to errors.Is and errors.As.
func (e *DeploymentError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range sortedKeys(e.Failed) {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// RootCauses returns the failures that were not caused by an upstream
// failure. Skipped items are symptoms, not causes.
func (e *DeploymentError) RootCauses() map[string]error {
	roots := make(map[string]error)
	for id, err := range e.Failed {
		var dep *DependencyFailedError
		if errors.As(err, &dep) {
			continue
		}
		roots[id] = err
	}
	return roots
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
