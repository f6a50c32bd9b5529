package main

import (
	"fmt"
	"os"
	"os/signal"

	pa "github.com/gordonklaus/portaudio"

	dspruntime "github.com/wavegen/dsp-runtime"
)

// playNode streams the node to the default output device until
// interrupted.
func playNode(n dspruntime.AudioNode, sampleRate, blockSize int) error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: %w", err)
	}
	defer pa.Terminate()

	channels := n.Outputs()
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, blockSize)
	}

	stream, err := pa.OpenDefaultStream(0, channels, float64(sampleRate), blockSize,
		func(buf [][]float32) {
			frames := len(buf[0])
			n.Process(nil, out, frames)
			for ch := range buf {
				copy(buf[ch], out[ch][:frames])
			}
		})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	fmt.Printf("playing on default device at %d Hz, Ctrl-C to stop\n", sampleRate)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	return stream.Stop()
}
