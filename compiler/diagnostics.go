package compiler

import (
	stderrors "errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/wavegen/dsp-runtime/errors"
)

// Diagnostic text emitted by backends comes in two shapes:
// "3:14: message" and "ERROR ... line 3". Both are normalized into
// positioned diagnostics; anything unparseable becomes a 1:1 diagnostic
// with the raw text, so a CompileError always carries at least one entry.
var (
	lineColRe  = regexp.MustCompile(`(?m)^\s*(?:[\w./-]+:)?(\d+)\s*:\s*(\d+)\s*:\s*(.+)$`)
	lineOnlyRe = regexp.MustCompile(`[Ll]ine\s+(\d+)`)
)

func asCompileError(name string, err error) error {
	var ce *errors.CompileError
	if stderrors.As(err, &ce) {
		return err
	}

	text := err.Error()
	diags := parseDiagnostics(text)
	if len(diags) == 0 {
		diags = []errors.Diagnostic{{Line: 1, Column: 1, Message: strings.TrimSpace(text)}}
	}
	return &errors.CompileError{Name: name, Diagnostics: diags}
}

func parseDiagnostics(text string) []errors.Diagnostic {
	var diags []errors.Diagnostic

	for _, m := range lineColRe.FindAllStringSubmatch(text, -1) {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		if line < 1 {
			line = 1
		}
		if col < 1 {
			col = 1
		}
		diags = append(diags, errors.Diagnostic{Line: line, Column: col, Message: strings.TrimSpace(m[3])})
	}
	if len(diags) > 0 {
		return diags
	}

	if m := lineOnlyRe.FindStringSubmatch(text); m != nil {
		line, _ := strconv.Atoi(m[1])
		if line < 1 {
			line = 1
		}
		diags = append(diags, errors.Diagnostic{Line: line, Column: 1, Message: strings.TrimSpace(text)})
	}
	return diags
}
