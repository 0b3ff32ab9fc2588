package protocol

import (
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/wrapper"
)

// Level is a console method name
type Level string

const (
	LevelLog   Level = "log"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelInfo  Level = "info"
)

// Levels lists the intercepted console methods in installation order
var Levels = []Level{LevelLog, LevelWarn, LevelError, LevelInfo}

// Valid reports whether l is an intercepted console method
func (l Level) Valid() bool {
	switch l {
	case LevelLog, LevelWarn, LevelError, LevelInfo:
		return true
	}
	return false
}

// ConsoleEvent is one intercepted console call. Args keeps the call's
// original argument list so the host can format objects and arrays itself.
type ConsoleEvent struct {
	Level Level `json:"level"`
	Args  []any `json:"args"`
}

// Validate checks the console-log schema
func (e *ConsoleEvent) Validate() error {
	if !e.Level.Valid() {
		return &ValidationError{Type: TypeConsoleLog, Field: "level", Reason: "unsupported level " + string(e.Level)}
	}
	if e.Args == nil {
		return &ValidationError{Type: TypeConsoleLog, Field: "args", Reason: "missing"}
	}
	return nil
}

// ErrorEvent is one caught user-code fault. Line and Column are already
// corrected to user coordinates. Source is set only when the fault is
// positively attributed to a named file.
type ErrorEvent struct {
	Kind    wrapper.ErrorKind `json:"kind,omitempty"`
	Name    string            `json:"name"`
	Message string            `json:"message"`
	Line    *int              `json:"line,omitempty"`
	Column  *int              `json:"column,omitempty"`
	Source  string            `json:"source,omitempty"`
}

// Validate checks the iframe-error schema
func (e *ErrorEvent) Validate() error {
	switch e.Kind {
	case "", wrapper.KindSyntax, wrapper.KindRuntime, wrapper.KindUnhandledRejection:
	default:
		return &ValidationError{Type: TypeIframeError, Field: "kind", Reason: "unsupported kind " + string(e.Kind)}
	}
	if e.Name == "" && e.Message == "" {
		return &ValidationError{Type: TypeIframeError, Field: "message", Reason: "missing"}
	}
	if e.Line != nil && *e.Line < 1 {
		return &ValidationError{Type: TypeIframeError, Field: "line", Reason: "must be positive"}
	}
	if e.Column != nil && *e.Column < 0 {
		return &ValidationError{Type: TypeIframeError, Field: "column", Reason: "must not be negative"}
	}
	return nil
}

// At returns a copy of e with its position set
func (e ErrorEvent) At(line, column int) ErrorEvent {
	e.Line = &line
	e.Column = &column
	return e
}

// CodeContent carries editor content from the skill-check consumer
type CodeContent struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	FileID   string `json:"fileId,omitempty"`
}

// LanguageSwitch notifies a change of the active language
type LanguageSwitch struct {
	Language string `json:"language"`
}

// PasteLimitExceeded reports a paste that was longer than allowed
type PasteLimitExceeded struct {
	Length int `json:"length"`
	Limit  int `json:"limit"`
}

// TestCase is one stdin/expected-output pair for custom-input execution
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// ExecuteRequest asks the host to run code with named inputs on the
// backend. It is never executed in the sandbox.
type ExecuteRequest struct {
	ID        string         `json:"id"`
	Code      string         `json:"code"`
	Language  string         `json:"language,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Stdin     string         `json:"stdin,omitempty"`
	TestCases []TestCase     `json:"testCases,omitempty"`
}

// Validate checks the execute-request schema
func (r *ExecuteRequest) Validate() error {
	if r.ID == "" {
		return &ValidationError{Type: TypeExecuteRequest, Field: "id", Reason: "missing"}
	}
	if r.Code == "" {
		return &ValidationError{Type: TypeExecuteRequest, Field: "code", Reason: "missing"}
	}
	return nil
}

// CaseResult is the outcome of one TestCase
type CaseResult struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

// ExecuteResponse answers an ExecuteRequest with the same ID
type ExecuteResponse struct {
	ID         string       `json:"id"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	ExitCode   int          `json:"exitCode"`
	DurationMs int64        `json:"durationMs"`
	Error      string       `json:"error,omitempty"`
	Results    []CaseResult `json:"results,omitempty"`
}
