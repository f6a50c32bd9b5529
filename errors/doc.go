// Package errors provides structured error types for the compile pipeline.
//
// Every stage boundary (load, compile, instantiate, process) returns a
// *Error carrying a Stage and Kind, so callers can branch on the category
// with errors.Is instead of string matching:
//
//	if errors.Is(err, &dsperrors.Error{Stage: dsperrors.StageLoad, Kind: dsperrors.KindMalformedImage}) {
//	    // bad image, not worth retrying
//	}
//
// Compilation failures are the one user-correctable category and get their
// own type, *CompileError, which carries positioned diagnostics.
package errors
