package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatDefinition   ErrorCategory = "definition"   // Workflow definition is unusable
	ErrCatValidation   ErrorCategory = "validation"   // Output or input contract violated
	ErrCatExecution    ErrorCategory = "execution"    // Runtime failure
	ErrCatTimeout      ErrorCategory = "timeout"      // Operation timed out
	ErrCatRateLimit    ErrorCategory = "rate_limit"   // API rate limited
	ErrCatNotification ErrorCategory = "notification" // Notification dispatch failed
	ErrCatState        ErrorCategory = "state"        // State corruption/conflict
	ErrCatAuth         ErrorCategory = "auth"         // Authentication failure
	ErrCatNotFound     ErrorCategory = "not_found"    // Resource not found
	ErrCatCancelled    ErrorCategory = "cancelled"    // Run cancelled
	ErrCatInternal     ErrorCategory = "internal"     // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrDefinition creates a workflow definition error.
func ErrDefinition(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatDefinition,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrFatal creates a non-retryable execution error.
func ErrFatal(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      CodeRateLimited,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAuth,
		Code:      "AUTH_FAILED",
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrNotification creates a notification dispatch error.
func ErrNotification(channel string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatNotification,
		Code:      CodeNotificationFailed,
		Message:   fmt.Sprintf("notification on channel %q failed", channel),
		Retryable: false,
		Cause:     cause,
	}
}

// ErrCancelled reports a run cancelled before the task could complete.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      CodeCancelled,
		Message:   message,
		Retryable: false,
	}
}

// CycleError reports a dependency cycle among tasks.
type CycleError struct {
	Tasks []TaskID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("task dependency graph contains a cycle: %s", joinTaskIDs(e.Tasks, " -> "))
}

func (e *CycleError) Category() ErrorCategory { return ErrCatDefinition }
func (e *CycleError) Code() string            { return CodeDAGCycle }
func (e *CycleError) Retryable() bool         { return false }

// UnknownDependencyError reports a dependency on a task that is not declared.
type UnknownDependencyError struct {
	Task       TaskID
	Dependency TaskID
	Suggestion TaskID
}

func (e *UnknownDependencyError) Error() string {
	msg := fmt.Sprintf("task %s depends on unknown task %s", e.Task, e.Dependency)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %s?)", e.Suggestion)
	}
	return msg
}

func (e *UnknownDependencyError) Category() ErrorCategory { return ErrCatDefinition }
func (e *UnknownDependencyError) Code() string            { return CodeUnknownDependency }
func (e *UnknownDependencyError) Retryable() bool         { return false }

// UnresolvedInputError reports an input source that has no value to resolve to.
// At schedule time it indicates a definition bug; at run time an ordering bug.
type UnresolvedInputError struct {
	Task   TaskID
	Source string
	Reason string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("task %s: unresolved input %s: %s", e.Task, e.Source, e.Reason)
}

func (e *UnresolvedInputError) Category() ErrorCategory { return ErrCatDefinition }
func (e *UnresolvedInputError) Code() string            { return CodeUnresolvedInput }
func (e *UnresolvedInputError) Retryable() bool         { return false }

// SchemaViolationError names the first field that breaks a schema contract.
type SchemaViolationError struct {
	Path   string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.Path, e.Reason)
}

func (e *SchemaViolationError) Category() ErrorCategory { return ErrCatValidation }
func (e *SchemaViolationError) Code() string            { return CodeSchemaViolation }
func (e *SchemaViolationError) Retryable() bool         { return true }

// TemplateFieldMissingError lists the template placeholders with no value.
type TemplateFieldMissingError struct {
	Fields []string
}

func (e *TemplateFieldMissingError) Error() string {
	return fmt.Sprintf("template fields missing from output: %s", strings.Join(e.Fields, ", "))
}

func (e *TemplateFieldMissingError) Category() ErrorCategory { return ErrCatValidation }
func (e *TemplateFieldMissingError) Code() string            { return CodeTemplateFieldMissing }
func (e *TemplateFieldMissingError) Retryable() bool         { return true }

// RetrievalTimeoutError reports a knowledge store query that exceeded its deadline.
type RetrievalTimeoutError struct {
	Collection string
	Timeout    time.Duration
}

func (e *RetrievalTimeoutError) Error() string {
	return fmt.Sprintf("retrieval from %q timed out after %s", e.Collection, e.Timeout)
}

func (e *RetrievalTimeoutError) Category() ErrorCategory { return ErrCatTimeout }
func (e *RetrievalTimeoutError) Code() string            { return CodeRetrievalTimeout }
func (e *RetrievalTimeoutError) Retryable() bool         { return true }

// TaskTimeoutError reports a task attempt that exceeded the per-task timeout.
type TaskTimeoutError struct {
	Task    TaskID
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.Task, e.Timeout)
}

func (e *TaskTimeoutError) Category() ErrorCategory { return ErrCatTimeout }
func (e *TaskTimeoutError) Code() string            { return CodeTaskTimeout }
func (e *TaskTimeoutError) Retryable() bool         { return true }

// classified is implemented by the typed errors above.
type classified interface {
	Category() ErrorCategory
	Code() string
	Retryable() bool
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var c classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var c classified
	if errors.As(err, &c) {
		return c.Category()
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCatTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCatCancelled
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// ErrorKind returns the stable code naming the kind of err, as shown to users.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) {
		return c.Code()
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code
	}
	switch GetCategory(err) {
	case ErrCatTimeout:
		return CodeTimeout
	case ErrCatCancelled:
		return CodeCancelled
	}
	return CodeInternal
}

// IsDefinitionError reports whether err means the workflow cannot be scheduled.
func IsDefinitionError(err error) bool {
	return IsCategory(err, ErrCatDefinition)
}

// IsValidationError reports whether err is an output contract violation.
func IsValidationError(err error) bool {
	return IsCategory(err, ErrCatValidation)
}

func joinTaskIDs(ids []TaskID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, sep)
}

// SortedTaskIDs returns a sorted copy of ids.
func SortedTaskIDs(ids []TaskID) []TaskID {
	out := append([]TaskID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Predefined error codes
const (
	CodeTimeout            = "TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeCancelled          = "CANCELLED"
	CodeInternal           = "INTERNAL"
	CodeNotificationFailed = "NOTIFICATION_FAILED"

	// Definition error codes
	CodeDAGCycle          = "DAG_CYCLE"
	CodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	CodeUnresolvedInput   = "UNRESOLVED_INPUT"
	CodeDuplicateTask     = "DUPLICATE_TASK"
	CodeDisconnectedGraph = "DISCONNECTED_GRAPH"
	CodeUnknownAgent      = "UNKNOWN_AGENT"
	CodeEmptyWorkflow     = "EMPTY_WORKFLOW"
	CodeInvalidDefinition = "INVALID_DEFINITION"

	// Validation error codes
	CodeSchemaViolation      = "SCHEMA_VIOLATION"
	CodeTemplateFieldMissing = "TEMPLATE_FIELD_MISSING"
	CodeContextOverflow      = "CONTEXT_OVERFLOW"

	// Execution error codes
	CodeAgentFailed       = "AGENT_FAILED"
	CodeTaskTimeout       = "TASK_TIMEOUT"
	CodeRetrievalTimeout  = "RETRIEVAL_TIMEOUT"
	CodeRetrievalFailed   = "RETRIEVAL_FAILED"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeToolNotDeclared   = "TOOL_NOT_DECLARED"
	CodeToolRoundsExceed  = "TOOL_ROUNDS_EXCEEDED"
	CodeSinkFailed        = "SINK_FAILED"
	CodeQueueFull         = "QUEUE_FULL"
	CodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeEmptyModelOutput  = "EMPTY_MODEL_OUTPUT"
	CodeModelRequestError = "MODEL_REQUEST_FAILED"

	// State error codes
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
)
