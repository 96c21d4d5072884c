package oto

import (
	"encoding/binary"
	"math"
)

// Float32LE interleaves the first frames samples of every channel as
// little-endian float32, clipped to [-1, 1], and appends them to dst. dst is
// reused when it has enough capacity.
func Float32LE(dst []byte, channels [][]float32, frames int) []byte {
	n := frames * len(channels) * 4
	if cap(dst)-len(dst) < n {
		grown := make([]byte, len(dst), len(dst)+n)
		copy(grown, dst)
		dst = grown
	}
	out := dst[len(dst) : len(dst)+n]
	i := 0
	for f := 0; f < frames; f++ {
		for _, ch := range channels {
			v := min(max(ch[f], -1), 1)
			binary.LittleEndian.PutUint32(out[i:], math.Float32bits(v))
			i += 4
		}
	}
	return dst[:len(dst)+n]
}
