package oto

import (
	"encoding/binary"
	"math"

	"github.com/vsariola/polysynth"
)

const frameBytes = 8

// EncodeFloat32LE writes as many frames of buf as fit into dst as
// little-endian float32 pairs and returns the number of bytes written.
func EncodeFloat32LE(dst []byte, buf polysynth.AudioBuffer) int {
	n := min(len(buf), len(dst)/frameBytes)
	for i, f := range buf[:n] {
		binary.LittleEndian.PutUint32(dst[i*frameBytes:], math.Float32bits(f[0]))
		binary.LittleEndian.PutUint32(dst[i*frameBytes+4:], math.Float32bits(f[1]))
	}
	return n * frameBytes
}
