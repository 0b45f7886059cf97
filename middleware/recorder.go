package middleware

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/vsariola/polysynth"
)

type recording struct {
	frames    polysynth.AudioBuffer
	triggered bool
}

// StartRecording arms the recorder of the engine. Recording starts with the
// next note on; until StopRecording, the rendered audio is collected by Tick.
func (m *MiddleWare) StartRecording() error {
	if m.recording != nil {
		return ErrRecording
	}
	if err := m.Send("/recorder/arm"); err != nil {
		return err
	}
	m.recording = &recording{}
	return nil
}

// Recording tells whether the recorder is armed or running, and whether the
// first note has started it.
func (m *MiddleWare) Recording() (armed, triggered bool) {
	if m.recording == nil {
		return false, false
	}
	return true, m.recording.triggered
}

// StopRecording stops the recorder and writes what was recorded as a WAV
// file.
func (m *MiddleWare) StopRecording(w io.Writer, pcm16 bool) error {
	if m.recording == nil {
		return ErrNotRecording
	}
	if err := m.Send("/recorder/stop"); err != nil {
		return err
	}
	m.drainAudio()
	rec := m.recording
	m.recording = nil
	data, err := rec.frames.Wav(pcm16, m.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("encoding recording: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	m.logger.Info("recording saved", "frames", len(rec.frames))
	return nil
}

// drainAudio moves recorded blocks from the audio queue into the current
// recording, or drops them when nothing is being recorded.
func (m *MiddleWare) drainAudio() {
	for {
		n, ok, err := m.pair.Audio.Read(m.buf)
		if err != nil {
			m.pair.Audio.Discard()
			continue
		}
		if !ok {
			return
		}
		if m.recording == nil {
			continue
		}
		b := m.buf[:n]
		for i := 0; i+8 <= len(b); i += 8 {
			m.recording.frames = append(m.recording.frames, [2]float32{
				math.Float32frombits(binary.LittleEndian.Uint32(b[i:])),
				math.Float32frombits(binary.LittleEndian.Uint32(b[i+4:])),
			})
		}
	}
}
