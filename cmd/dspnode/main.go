package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/audionode"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/config"
	"github.com/wavegen/dsp-runtime/export"
	"github.com/wavegen/dsp-runtime/generator"
	"github.com/wavegen/dsp-runtime/loader"
	"github.com/wavegen/dsp-runtime/node"
	"github.com/wavegen/dsp-runtime/poly"
)

func main() {
	var (
		backendFile = flag.String("backend", "", "Path to the compiler runtime image")
		dspFile     = flag.String("dsp", "", "Path to the DSP program")
		effectFile  = flag.String("effect", "", "Path to a post-mix effect program")
		args        = flag.String("args", "", "Compiler option string, e.g. \"-vec -vs 32\"")
		voices      = flag.Int("voices", 0, "Voice count (0 = program's declaration, mono otherwise)")
		configFile  = flag.String("config", "", "HCL session file (overrides program flags)")
		sampleRate  = flag.Int("sr", 48000, "Sample rate")
		blockSize   = flag.Int("block", 256, "Block size in frames")
		printJSON   = flag.Bool("json", false, "Print the metadata document and exit")
		svgDir      = flag.String("svg", "", "Write block-diagram SVGs into a directory and exit")
		bundleFile  = flag.String("bundle", "", "Write a plugin bundle zip and exit")
		renderSecs  = flag.Float64("render", 0, "Render N seconds of audio to a WAV file")
		outFile     = flag.String("o", "out.wav", "WAV output path for -render")
		play        = flag.Bool("play", false, "Play the node on the default audio device")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *backendFile == "" || (*dspFile == "" && *configFile == "") {
		fmt.Fprintln(os.Stderr, "Usage: dspnode -backend <compiler.wasm> -dsp <file.dsp> [-voices n] [-effect f] [-args \"...\"]")
		fmt.Fprintln(os.Stderr, "       dspnode -backend <compiler.wasm> -config <session.hcl>")
		fmt.Fprintln(os.Stderr, "       dspnode ... -json | -svg dir | -bundle out.zip | -render secs [-o out.wav] | -play | -i")
		os.Exit(1)
	}

	if *verbose {
		lg, err := zap.NewDevelopment()
		if err == nil {
			loader.SetLogger(lg)
			node.SetLogger(lg)
			poly.SetLogger(lg)
			audionode.SetLogger(lg)
		}
	}

	req := audionode.Request{
		Options:    *args,
		Voices:     *voices,
		SampleRate: *sampleRate,
		BlockSize:  *blockSize,
	}

	var session *config.Session
	if *configFile != "" {
		var err error
		session, err = config.Load(*configFile)
		if err != nil {
			fatal(err)
		}
		source, effect, err := session.ReadSources(filepath.Dir(*configFile))
		if err != nil {
			fatal(err)
		}
		req.Name = session.Name
		req.Source = source
		req.EffectSource = effect
		if session.Options != "" {
			req.Options = session.Options
		}
		if session.Voices != 0 {
			req.Voices = session.Voices
		}
		if session.SampleRate != 0 {
			req.SampleRate = session.SampleRate
		}
		if session.BlockSize != 0 {
			req.BlockSize = session.BlockSize
		}
	} else {
		data, err := os.ReadFile(*dspFile)
		if err != nil {
			fatal(fmt.Errorf("read dsp source: %w", err))
		}
		req.Name = stem(*dspFile)
		req.Source = string(data)
		if *effectFile != "" {
			data, err := os.ReadFile(*effectFile)
			if err != nil {
				fatal(fmt.Errorf("read effect source: %w", err))
			}
			req.EffectSource = string(data)
		}
	}

	ctx := context.Background()

	rt, err := loader.New(ctx)
	if err != nil {
		fatal(err)
	}
	defer rt.Close(ctx)

	image, err := os.ReadFile(*backendFile)
	if err != nil {
		fatal(fmt.Errorf("read compiler runtime image: %w", err))
	}
	rc, err := rt.Load(ctx, image)
	if err != nil {
		fatal(err)
	}
	backend := compiler.NewRuntimeBackend(rc)
	comp := compiler.New(backend)

	switch {
	case *printJSON:
		err = printMetadata(ctx, comp, req)
	case *svgDir != "":
		err = writeDiagrams(ctx, backend, req, *svgDir)
	case *bundleFile != "":
		err = writeBundle(ctx, comp, req, *bundleFile)
	default:
		err = buildAndRun(ctx, comp, rt, req, session,
			*renderSecs, *outFile, *play, *interactive)
	}
	if err != nil {
		fatal(err)
	}
}

func printMetadata(ctx context.Context, comp *compiler.Compiler, req audionode.Request) error {
	_, doc, err := comp.Compile(ctx, req.Name, req.Source, req.Options)
	if err != nil {
		return err
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func writeDiagrams(ctx context.Context, backend compiler.Backend, req audionode.Request, dir string) error {
	svgs, err := export.Diagrams(ctx, backend, req.Name, req.Source, req.Options)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, data := range svgs {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", filepath.Join(dir, name))
	}
	return nil
}

func writeBundle(ctx context.Context, comp *compiler.Compiler, req audionode.Request, path string) error {
	desc, doc, err := comp.Compile(ctx, req.Name, req.Source, req.Options)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := export.WriteBundle(f, desc, doc); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func buildAndRun(ctx context.Context, comp *compiler.Compiler, rt *loader.Runtime,
	req audionode.Request, session *config.Session,
	renderSecs float64, outFile string, play, interactive bool) error {

	pipeline := audionode.New(comp, generator.New(rt))
	n, err := pipeline.Compile(ctx, req)
	if err != nil {
		return err
	}
	defer n.Close()

	if session != nil {
		if err := session.Apply(n); err != nil {
			return err
		}
	}

	switch {
	case renderSecs > 0:
		return renderWAV(n, req.SampleRate, req.BlockSize, renderSecs, outFile)
	case play:
		return playNode(n, req.SampleRate, req.BlockSize)
	case interactive:
		return runInteractive(n, req)
	default:
		printNode(n, req)
		return nil
	}
}

func printNode(n dspruntime.AudioNode, req audionode.Request) {
	fmt.Printf("Module: %s\n", req.Name)
	fmt.Printf("Channels: %d in, %d out\n", n.Inputs(), n.Outputs())
	if e, ok := n.(*poly.Engine); ok {
		fmt.Printf("Voices: %d\n", e.Voices())
	}
	fmt.Println("\nParameters:")
	for _, c := range n.Params().Controls() {
		fmt.Printf("  %-40s %s [%g..%g] init %g\n",
			c.Path, c.Type, c.Min, c.Max, c.Init)
	}
}

func renderWAV(n dspruntime.AudioNode, sampleRate, blockSize int, secs float64, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	total := int(secs * float64(sampleRate))
	w, err := newWAVWriter(f, n.Outputs(), sampleRate)
	if err != nil {
		return err
	}

	out := make([][]float32, n.Outputs())
	for ch := range out {
		out[ch] = make([]float32, blockSize)
	}

	start := time.Now()
	for rendered := 0; rendered < total; {
		frames := blockSize
		if remain := total - rendered; remain < frames {
			frames = remain
		}
		n.Process(nil, out, frames)
		if err := w.writeBlock(out, frames); err != nil {
			return err
		}
		rendered += frames
	}
	if err := w.finish(); err != nil {
		return err
	}
	fmt.Printf("rendered %.2fs to %s in %s\n", secs, path, time.Since(start).Round(time.Millisecond))
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
