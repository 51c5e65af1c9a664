// Package audio provides the PCM plumbing shared by workers and providers:
// sample/byte conversion helpers and the fixed-duration outbound framer.
//
// The realtime audio contract is 16 kHz, mono, signed 16-bit little-endian
// PCM, delivered in 10 ms frames of exactly 160 samples.
package audio

import "encoding/binary"

const (
	// SampleRate is the pipeline-wide sample rate in Hz.
	SampleRate = 16000

	// SamplesPerFrame is the number of samples per outbound frame (10 ms).
	SamplesPerFrame = 160

	// BytesPerSample is fixed for signed 16-bit PCM.
	BytesPerSample = 2
)

// BytesToSamples converts little-endian 16-bit PCM bytes to samples. An odd
// trailing byte is dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
