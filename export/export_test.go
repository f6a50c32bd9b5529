package export_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/wavegen/dsp-runtime/compiler"
	dsperrors "github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/export"
	"github.com/wavegen/dsp-runtime/internal/dsptest"
)

const oscProgram = `{
  "name": "osc", "inputs": 0, "outputs": 1,
  "meta": [{"options": "[nvoices:4]"}],
  "ui": [{"type": "vgroup", "label": "osc", "items": [
    {"type": "hslider", "address": "/osc/freq", "index": 16,
     "init": 440, "min": 20, "max": 20000, "step": 1}
  ]}]
}`

func TestDiagrams(t *testing.T) {
	svgs, err := export.Diagrams(context.Background(), &dsptest.Backend{}, "osc", oscProgram, "-vec")
	if err != nil {
		t.Fatalf("Diagrams failed: %v", err)
	}
	if len(svgs) != 1 {
		t.Fatalf("expected 1 diagram, got %d", len(svgs))
	}
	data, ok := svgs["osc.svg"]
	if !ok {
		t.Fatalf("expected osc.svg, got %v", keys(svgs))
	}
	if !strings.HasPrefix(string(data), "<svg") {
		t.Errorf("unexpected diagram payload: %q", data)
	}
}

func TestDiagramsCompileFailure(t *testing.T) {
	_, err := export.Diagrams(context.Background(), &dsptest.Backend{}, "bad", "{ not json", "")
	if !errors.Is(err, &dsperrors.Error{Stage: dsperrors.StageExport, Kind: dsperrors.KindSyntax}) {
		t.Fatalf("expected export syntax error, got %v", err)
	}
}

func TestWriteBundle(t *testing.T) {
	c := compiler.New(&dsptest.Backend{})
	desc, doc, err := c.Compile(context.Background(), "osc", oscProgram, "")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	var buf bytes.Buffer
	if err := export.WriteBundle(&buf, desc, doc); err != nil {
		t.Fatalf("WriteBundle failed: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("bundle is not a zip: %v", err)
	}

	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		var b bytes.Buffer
		if _, err := b.ReadFrom(rc); err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		rc.Close()
		files[f.Name] = b.Bytes()
	}

	if !bytes.Equal(files["module.wasm"], desc.Code()) {
		t.Error("module.wasm does not match compiled code")
	}
	if len(files["meta.json"]) == 0 {
		t.Error("meta.json missing or empty")
	}

	var man struct {
		Name    string `json:"name"`
		Outputs int    `json:"outputs"`
		Voices  int    `json:"voices"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(files["manifest.json"], &man); err != nil {
		t.Fatalf("manifest.json invalid: %v", err)
	}
	if man.Name != "osc" || man.Outputs != 1 || man.Voices != 4 || man.Version != export.BundleVersion {
		t.Errorf("unexpected manifest: %+v", man)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
