// Package export produces build-time artifacts from compiled modules:
// block-diagram SVGs via the compiler backend, and plugin bundles that
// package a node for deployment.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/metadata"
)

// BundleVersion identifies the bundle layout.
const BundleVersion = "1"

// Diagrams compiles a program with diagram generation forced on and
// returns the emitted SVG documents keyed by file name.
func Diagrams(ctx context.Context, backend compiler.Backend, name, source, optionString string) (map[string][]byte, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.StageExport, "name must not be empty")
	}
	opts, err := compiler.ParseOptions(optionString)
	if err != nil {
		return nil, err
	}

	res, err := backend.Compile(ctx, name, source, opts.WithFlag("-svg").Args())
	if err != nil {
		return nil, errors.Wrap(errors.StageExport, errors.KindSyntax, err, "compile for diagrams")
	}

	out := make(map[string][]byte)
	for file, data := range res.Artifacts {
		if strings.HasSuffix(file, ".svg") {
			out[file] = data
		}
	}
	if len(out) == 0 {
		return nil, errors.NotFound(errors.StageExport, "diagram output", name)
	}
	return out, nil
}

// manifest is the bundle's index document.
type manifest struct {
	Name    string `json:"name"`
	Inputs  int    `json:"inputs"`
	Outputs int    `json:"outputs"`
	Voices  int    `json:"voices"`
	Version string `json:"version"`
}

// WriteBundle packages a compiled node as a plugin bundle: a zip holding
// the kernel image, the metadata document and a manifest.
func WriteBundle(w io.Writer, desc *compiler.ModuleDescriptor, doc *metadata.Document) error {
	zw := zip.NewWriter(w)

	if err := writeEntry(zw, "module.wasm", desc.Code()); err != nil {
		return err
	}

	meta, err := doc.Encode()
	if err != nil {
		return errors.Wrap(errors.StageExport, errors.KindMetadata, err, "encode metadata")
	}
	if err := writeEntry(zw, "meta.json", meta); err != nil {
		return err
	}

	man, err := json.MarshalIndent(manifest{
		Name:    desc.Name(),
		Inputs:  desc.Inputs(),
		Outputs: desc.Outputs(),
		Voices:  doc.Voices(),
		Version: BundleVersion,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(errors.StageExport, errors.KindMetadata, err, "encode manifest")
	}
	if err := writeEntry(zw, "manifest.json", man); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return errors.Wrap(errors.StageExport, errors.KindInvalidInput, err, "finalize bundle")
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return errors.Wrap(errors.StageExport, errors.KindInvalidInput, err, "create bundle entry "+name)
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(errors.StageExport, errors.KindInvalidInput, err, "write bundle entry "+name)
	}
	return nil
}
