// Package config loads HCL session files for the command-line host: the
// program sources, compiler options, engine shape and initial parameter
// values of one node build.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	dspruntime "github.com/wavegen/dsp-runtime"
)

// Session describes one node build as declared in a session file.
type Session struct {
	Name       string   `hcl:"name,optional"`
	DSP        string   `hcl:"dsp"`
	Effect     string   `hcl:"effect,optional"`
	Options    string   `hcl:"options,optional"`
	Voices     int      `hcl:"voices,optional"`
	SampleRate int      `hcl:"sample_rate,optional"`
	BlockSize  int      `hcl:"block_size,optional"`
	Params     []*Param `hcl:"param,block"`
}

// Param is one initial parameter value, applied after the node is built.
type Param struct {
	Path  string    `hcl:"path,label"`
	Value cty.Value `hcl:"value"`
}

// Float converts the declared value to float32, accepting HCL numbers
// and numeric strings.
func (p *Param) Float() (float32, error) {
	v, err := convert.Convert(p.Value, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", p.Path, err)
	}
	f, _ := v.AsBigFloat().Float32()
	return f, nil
}

// sessionFile is the top-level structure of a session file.
type sessionFile struct {
	Session *Session `hcl:"session,block"`
}

// Load parses a session file from disk.
func Load(path string) (*Session, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse session file %s: %s", path, diags.Error())
	}

	var parsed sessionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode session file %s: %s", path, diags.Error())
	}
	if parsed.Session == nil {
		return nil, fmt.Errorf("session file %s: missing session block", path)
	}

	s := parsed.Session
	if s.Name == "" {
		s.Name = stem(s.DSP)
	}
	return s, nil
}

// Parse decodes a session from in-memory HCL source. The filename labels
// diagnostics only.
func Parse(filename string, src []byte) (*Session, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse session %s: %s", filename, diags.Error())
	}

	var parsed sessionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode session %s: %s", filename, diags.Error())
	}
	if parsed.Session == nil {
		return nil, fmt.Errorf("session %s: missing session block", filename)
	}

	s := parsed.Session
	if s.Name == "" {
		s.Name = stem(s.DSP)
	}
	return s, nil
}

// ReadSources loads the DSP program and optional effect program the
// session points at, resolving relative paths against the session file.
func (s *Session) ReadSources(baseDir string) (source, effect string, err error) {
	data, err := os.ReadFile(resolve(baseDir, s.DSP))
	if err != nil {
		return "", "", fmt.Errorf("read dsp source: %w", err)
	}
	source = string(data)

	if s.Effect != "" {
		data, err := os.ReadFile(resolve(baseDir, s.Effect))
		if err != nil {
			return "", "", fmt.Errorf("read effect source: %w", err)
		}
		effect = string(data)
	}
	return source, effect, nil
}

// Apply writes the session's initial parameter values onto a built node.
func (s *Session) Apply(node dspruntime.AudioNode) error {
	for _, p := range s.Params {
		v, err := p.Float()
		if err != nil {
			return err
		}
		node.SetParamValue(p.Path, v)
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
