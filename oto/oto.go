// Package oto plays the synthesizer on the default audio device.
package oto

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vsariola/polysynth"
)

type (
	// Context is an AudioContext backed by an oto context. Oto allows one
	// context per process.
	Context struct {
		ctx *oto.Context
	}

	// Output is a source being played. Closing it stops the playback.
	Output struct {
		player *oto.Player
		reader *reader
	}

	// reader adapts an AudioSource to the io.Reader oto pulls from, on its
	// own goroutine.
	reader struct {
		source polysynth.AudioSource
		buf    polysynth.AudioBuffer
		err    atomic.Pointer[error]
	}
)

// NewContext opens the default device with float32 stereo output. The device
// buffer holds bufferFrames frames.
func NewContext(sampleRate, bufferFrames int) (*Context, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   time.Duration(bufferFrames) * time.Second / time.Duration(sampleRate),
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &Context{ctx: ctx}, nil
}

// Play starts pulling audio from source.
func (c *Context) Play(source polysynth.AudioSource) io.Closer {
	r := &reader{source: source}
	o := &Output{player: c.ctx.NewPlayer(r), reader: r}
	o.player.Play()
	return o
}

// Close suspends the device; oto contexts cannot be destroyed.
func (c *Context) Close() error {
	if err := c.ctx.Suspend(); err != nil {
		return fmt.Errorf("cannot suspend oto context: %w", err)
	}
	return nil
}

// Err returns the first error the source returned, if any.
func (o *Output) Err() error {
	if p := o.reader.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (o *Output) Close() error {
	o.player.Pause()
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

// Read renders whole frames into p; a failing source plays silence.
func (r *reader) Read(p []byte) (int, error) {
	frames := len(p) / frameBytes
	if cap(r.buf) < frames {
		r.buf = make(polysynth.AudioBuffer, frames)
	}
	buf := r.buf[:frames]
	if err := r.source(buf); err != nil {
		r.err.CompareAndSwap(nil, &err)
		clear(buf)
	}
	n := EncodeFloat32LE(p, buf)
	clear(p[n:])
	return len(p), nil
}
