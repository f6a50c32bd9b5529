package compiler

import (
	"strings"

	"github.com/wavegen/dsp-runtime/errors"
)

// optionGrammar maps every known compiler flag to the number of value
// tokens it consumes. Unknown flags fail compilation rather than being
// silently ignored.
var optionGrammar = map[string]int{
	// search paths and naming
	"-I":  1, // add import directory
	"-A":  1, // add architecture directory
	"-cn": 1, // class name override

	// numeric precision
	"-single": 0,
	"-double": 0,
	"-quad":   0,

	// code generation
	"-scal":  0, // scalar code
	"-vec":   0, // vectorized code
	"-vs":    1, // vector size
	"-lv":    1, // loop variant
	"-os":    0, // one-sample loop
	"-mem":   0, // external memory manager
	"-ftz":   1, // flush-to-zero mode
	"-es":    1, // enable semantics
	"-exp10": 0,
	"-mcd":   1, // max copy delay
	"-inpl":  0, // in-place transformations
	"-fm":    1, // fast math library

	// output artifacts
	"-svg":  0, // block diagram export
	"-json": 0,

	// instrument options
	"-nvoices": 1,
	"-midi":    0,
	"-effect":  1,
}

// Options is a validated, ordered sequence of compiler flag/value tokens.
type Options struct {
	tokens []string
}

// ParseOptions tokenizes a space-separated option string, honoring single
// and double quotes, and validates each flag against the known grammar.
func ParseOptions(s string) (Options, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return Options{}, err
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "-") {
			return Options{}, errors.InvalidInput(errors.StageCompile,
				"expected a flag, got "+tok)
		}
		arity, ok := optionGrammar[tok]
		if !ok {
			return Options{}, errors.UnknownOption(tok)
		}
		if arity > 0 && i+arity >= len(tokens) {
			return Options{}, errors.InvalidInput(errors.StageCompile,
				"flag "+tok+" is missing its value")
		}
		i += arity
	}

	return Options{tokens: tokens}, nil
}

// tokenize splits on whitespace outside quotes.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, ch := range s {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteRune(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n':
			flush()
		default:
			cur.WriteRune(ch)
		}
	}
	if quote != 0 {
		return nil, errors.InvalidInput(errors.StageCompile, "unterminated quote in option string")
	}
	flush()
	return tokens, nil
}

// Args returns the validated tokens in order.
func (o Options) Args() []string {
	out := make([]string, len(o.tokens))
	copy(out, o.tokens)
	return out
}

// Has reports whether a flag is present.
func (o Options) Has(flag string) bool {
	for i := 0; i < len(o.tokens); i++ {
		if o.tokens[i] == flag {
			return true
		}
		if n, ok := optionGrammar[o.tokens[i]]; ok {
			i += n
		}
	}
	return false
}

// Value returns the value token following a flag, if any.
func (o Options) Value(flag string) (string, bool) {
	for i := 0; i < len(o.tokens); i++ {
		if o.tokens[i] == flag {
			if n := optionGrammar[flag]; n > 0 && i+1 < len(o.tokens) {
				return o.tokens[i+1], true
			}
			return "", false
		}
		if n, ok := optionGrammar[o.tokens[i]]; ok {
			i += n
		}
	}
	return "", false
}

// WithFlag returns a copy of the options with flag (and its values)
// appended, unless already present.
func (o Options) WithFlag(flag string, values ...string) Options {
	if o.Has(flag) {
		return o
	}
	tokens := make([]string, 0, len(o.tokens)+1+len(values))
	tokens = append(tokens, o.tokens...)
	tokens = append(tokens, flag)
	tokens = append(tokens, values...)
	return Options{tokens: tokens}
}

// String reassembles the option string.
func (o Options) String() string {
	return strings.Join(o.tokens, " ")
}
