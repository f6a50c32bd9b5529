package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := &Error{
		Stage:  StageCompile,
		Kind:   KindMetadata,
		Path:   []string{"synth", "freq"},
		Detail: "leaf address 16 has no descriptor entry",
	}

	got := err.Error()
	want := "[compile] metadata at synth/freq: leaf address 16 has no descriptor entry"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Is(t *testing.T) {
	err := Load("truncated image", nil)

	if !stderrors.Is(err, &Error{Stage: StageLoad, Kind: KindMalformedImage}) {
		t.Error("expected Is to match stage+kind")
	}
	if stderrors.Is(err, &Error{Stage: StageCompile, Kind: KindMalformedImage}) {
		t.Error("expected Is to reject different stage")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := stderrors.New("out of pages")
	err := Wrap(StageInstantiate, KindAllocation, cause, "grow memory")

	if !stderrors.Is(err, cause) {
		t.Error("expected wrapped cause to be found")
	}
}

func TestCompileError_Diagnostics(t *testing.T) {
	err := &CompileError{
		Name: "osc",
		Diagnostics: []Diagnostic{
			{Line: 3, Column: 14, Message: "undefined symbol 'osz'"},
			{Line: 4, Column: 1, Message: "process is not defined"},
		},
	}

	got := err.Error()
	if !strings.Contains(got, "3:14: undefined symbol 'osz'") {
		t.Errorf("missing first diagnostic in %q", got)
	}
	if !strings.Contains(got, "osc") {
		t.Errorf("missing program name in %q", got)
	}
}

func TestCompileError_IsMatchesType(t *testing.T) {
	var err error = fmt.Errorf("compile: %w", &CompileError{Name: "x", Diagnostics: []Diagnostic{{Line: 1, Column: 1, Message: "bad"}}})

	var ce *CompileError
	if !stderrors.As(err, &ce) {
		t.Fatal("expected As to find CompileError")
	}
	if len(ce.Diagnostics) != 1 {
		t.Errorf("diagnostics = %d, want 1", len(ce.Diagnostics))
	}
	if !stderrors.Is(err, &CompileError{}) {
		t.Error("expected Is to match CompileError type")
	}
}
