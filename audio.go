package polysynth

import "io"

type (
	// AudioBuffer is a buffer of interleaved stereo frames, the form in which
	// backends exchange audio with the engine.
	AudioBuffer [][2]float32

	// AudioSource fills the whole buffer with the next frames of audio. It is
	// called from the backend's real-time goroutine.
	AudioSource func(buf AudioBuffer) error

	// AudioContext is a hardware or file backend. Play starts pulling audio
	// from the source until the returned closer is closed.
	AudioContext interface {
		Play(source AudioSource) io.Closer
		Close() error
	}
)

// Interleave writes the planar l and r into the buffer, frame by frame.
func (b AudioBuffer) Interleave(l, r []float32) {
	for i := range b {
		b[i] = [2]float32{l[i], r[i]}
	}
}

// Flat returns the buffer as a flat slice of L, R, L, R... samples, copied.
func (b AudioBuffer) Flat() []float32 {
	ret := make([]float32, 0, len(b)*2)
	for _, f := range b {
		ret = append(ret, f[0], f[1])
	}
	return ret
}
