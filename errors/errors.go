package errors

import (
	"fmt"
	"strings"
)

// Stage indicates where in the pipeline the error occurred
type Stage string

const (
	StageLoad        Stage = "load"        // runtime image loading
	StageCompile     Stage = "compile"     // DSP source compilation
	StageInstantiate Stage = "instantiate" // factory/instance creation
	StageProcess     Stage = "process"     // real-time processing
	StageExport      Stage = "export"      // diagram/bundle export
)

// Kind categorizes the error
type Kind string

const (
	KindSyntax         Kind = "syntax"          // DSP source errors with diagnostics
	KindOption         Kind = "option"          // unknown or malformed compiler flag
	KindMalformedImage Kind = "malformed_image" // binary image fails validation
	KindAllocation     Kind = "allocation"      // guest memory exhaustion
	KindInstantiation  Kind = "instantiation"   // module instantiation failed
	KindFault          Kind = "fault"           // trap inside compiled code
	KindNotFound       Kind = "not_found"
	KindInvalidInput   Kind = "invalid_input"
	KindMetadata       Kind = "metadata" // descriptor/metadata mismatch
)

// Error is the structured error type used at every stage boundary.
type Error struct {
	Cause  error
	Stage  Stage
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Stage))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's stage and kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Stage == t.Stage && e.Kind == t.Kind
	}
	return false
}

// Diagnostic is one positioned compiler message.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
}

// CompileError is returned when DSP source compilation fails. It always
// carries at least one diagnostic; positions are surfaced verbatim so the
// caller can map them back to the source text.
type CompileError struct {
	Name        string
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("[compile] ")
	b.WriteString(e.Name)
	b.WriteString(": ")
	if len(e.Diagnostics) == 0 {
		b.WriteString("compilation failed")
		return b.String()
	}
	for i, d := range e.Diagnostics {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(d.String())
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *CompileError) Is(target error) bool {
	_, ok := target.(*CompileError)
	return ok
}

// Convenience constructors for common error patterns

// Load creates a runtime-image loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Stage:  StageLoad,
		Kind:   KindMalformedImage,
		Detail: detail,
		Cause:  cause,
	}
}

// AllocationFailed creates a guest allocation failure error
func AllocationFailed(stage Stage, size uint32) *Error {
	return &Error{
		Stage:  stage,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Stage:  StageInstantiate,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// UnknownOption creates a compiler option error
func UnknownOption(flag string) *Error {
	return &Error{
		Stage:  StageCompile,
		Kind:   KindOption,
		Detail: fmt.Sprintf("unknown compiler flag %q", flag),
	}
}

// NotFound creates a not-found error
func NotFound(stage Stage, what, name string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(stage Stage, detail string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Metadata creates a descriptor/metadata mismatch error
func Metadata(path []string, detail string) *Error {
	return &Error{
		Stage:  StageCompile,
		Kind:   KindMetadata,
		Path:   path,
		Detail: detail,
	}
}

// Fault creates a processing fault error. Faults are recorded against the
// affected node, never raised inside the audio callback.
func Fault(detail string, cause error) *Error {
	return &Error{
		Stage:  StageProcess,
		Kind:   KindFault,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with stage and kind context
func Wrap(stage Stage, kind Kind, cause error, detail string) *Error {
	return &Error{
		Stage:  stage,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
