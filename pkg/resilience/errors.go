package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openvariant/variant/pkg/checkpoint"
)

// Category classifies an error for recovery.
type Category string

const (
	CategoryEngine     Category = "engine"
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryStorage    Category = "storage"
	CategoryGraph      Category = "graph"
	CategoryState      Category = "state"
	CategoryTimeout    Category = "timeout"
	CategoryResource   Category = "resource"
)

// Severity grades an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type categoryDefaults struct {
	severity    Severity
	recoverable bool
	retryable   bool
}

var defaults = map[Category]categoryDefaults{
	CategoryEngine:     {SeverityHigh, true, true},
	CategoryNetwork:    {SeverityMedium, true, true},
	CategoryValidation: {SeverityLow, false, false},
	CategoryStorage:    {SeverityMedium, true, true},
	CategoryTimeout:    {SeverityMedium, true, true},
	CategoryGraph:      {SeverityMedium, true, false},
	CategoryState:      {SeverityMedium, true, false},
	CategoryResource:   {SeverityHigh, true, false},
}

// Validate reports whether c is a known category.
func (c Category) Validate() error {
	if _, ok := defaults[c]; !ok {
		return fmt.Errorf("unknown error category %q", c)
	}
	return nil
}

// Detail is the typed, category-specific payload of an Error.
type Detail interface {
	DetailCategory() Category
}

// EngineDetail describes an engine failure.
type EngineDetail struct {
	EngineSlug string `json:"engine_slug,omitempty"`
	Position   string `json:"position,omitempty"`
	Depth      int    `json:"depth,omitempty"`
}

// NetworkDetail describes a network failure.
type NetworkDetail struct {
	Endpoint string `json:"endpoint,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
}

// ValidationDetail describes invalid input.
type ValidationDetail struct {
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
}

// StorageDetail describes a storage failure.
type StorageDetail struct {
	Operation string `json:"operation"`
	Table     string `json:"table,omitempty"`
}

// GraphDetail describes a failure while building the move graph.
type GraphDetail struct {
	FEN  string `json:"fen,omitempty"`
	Move string `json:"move,omitempty"`
}

// StateDetail describes a state machine failure.
type StateDetail struct {
	State string `json:"state,omitempty"`
	Event string `json:"event,omitempty"`
}

// TimeoutDetail describes an operation that ran out of time.
type TimeoutDetail struct {
	Operation string        `json:"operation,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// ResourceDetail describes an exhausted resource or budget.
type ResourceDetail struct {
	Resource string `json:"resource"`
	Limit    int    `json:"limit,omitempty"`
}

func (EngineDetail) DetailCategory() Category     { return CategoryEngine }
func (NetworkDetail) DetailCategory() Category    { return CategoryNetwork }
func (ValidationDetail) DetailCategory() Category { return CategoryValidation }
func (StorageDetail) DetailCategory() Category    { return CategoryStorage }
func (GraphDetail) DetailCategory() Category      { return CategoryGraph }
func (StateDetail) DetailCategory() Category      { return CategoryState }
func (TimeoutDetail) DetailCategory() Category    { return CategoryTimeout }
func (ResourceDetail) DetailCategory() Category   { return CategoryResource }

// Error is a categorized state machine error.
type Error struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Retryable   bool      `json:"retryable"`
	Detail      Detail    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Cause       error     `json:"-"`
}

// New creates an error with the category's default severity and flags.
func New(category Category, message string, cause error) *Error {
	d, ok := defaults[category]
	if !ok {
		category = CategoryState
		d = defaults[CategoryState]
	}
	return &Error{
		ID:          uuid.New().String(),
		Message:     message,
		Category:    category,
		Severity:    d.severity,
		Recoverable: d.recoverable,
		Retryable:   d.retryable,
		Timestamp:   time.Now(),
		Cause:       cause,
	}
}

// NewWithDetail creates an error whose category is taken from the detail.
func NewWithDetail(message string, cause error, detail Detail) *Error {
	return New(detail.DetailCategory(), message, cause).WithDetail(detail)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Severity, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

// WithDetail attaches a typed detail.
func (e *Error) WithDetail(d Detail) *Error {
	e.Detail = d
	return e
}

// WithSeverity overrides the default severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRecoverable overrides the default recoverable flag.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// Record returns the compact form stored in checkpoints and bus events.
func (e *Error) Record() checkpoint.ErrorRecord {
	return checkpoint.ErrorRecord{
		ID:        e.ID,
		Category:  string(e.Category),
		Severity:  string(e.Severity),
		Message:   e.Error(),
		Timestamp: e.Timestamp,
	}
}

// Category sentinels for errors.Is.
var (
	ErrEngine     = &Error{Category: CategoryEngine}
	ErrNetwork    = &Error{Category: CategoryNetwork}
	ErrValidation = &Error{Category: CategoryValidation}
	ErrStorage    = &Error{Category: CategoryStorage}
	ErrGraph      = &Error{Category: CategoryGraph}
	ErrState      = &Error{Category: CategoryState}
	ErrTimeout    = &Error{Category: CategoryTimeout}
	ErrResource   = &Error{Category: CategoryResource}
)

// Normalize converts any error into an *Error. Already categorized errors
// anywhere in the chain are returned as is. Deadline errors become timeouts,
// cancellation becomes a non-recoverable state error, and everything else
// becomes a recoverable, non-retryable state error of medium severity.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(CategoryTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return New(CategoryState, "operation cancelled", err).WithRecoverable(false)
	default:
		return New(CategoryState, err.Error(), err)
	}
}

// CategoryOf returns the category of err after normalization.
func CategoryOf(err error) Category {
	if e := Normalize(err); e != nil {
		return e.Category
	}
	return ""
}

// IsRetryable reports whether err is a retryable categorized error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// IsRecoverable reports whether err is recoverable after normalization.
func IsRecoverable(err error) bool {
	e := Normalize(err)
	return e != nil && e.Recoverable
}
