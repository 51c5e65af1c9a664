package audio_test

import (
	"testing"

	"github.com/lifert/life/pkg/audio"
)

func TestResampleMonoHalvesRate(t *testing.T) {
	in := []int16{0, 100, 200, 300, 400, 500, 600, 700}
	out := audio.ResampleMono(in, 32000, 16000)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	// Downsampling by two picks every other sample exactly.
	want := []int16{0, 200, 400, 600}
	for i, s := range want {
		if out[i] != s {
			t.Errorf("out[%d] = %d, want %d", i, out[i], s)
		}
	}
}

func TestResampleMonoInterpolates(t *testing.T) {
	in := []int16{0, 100}
	out := audio.ResampleMono(in, 16000, 32000)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[0] != 0 || out[1] != 50 {
		t.Errorf("out = %v, want interpolated midpoint at index 1", out)
	}
}

func TestResampleMonoPassThrough(t *testing.T) {
	in := []int16{1, 2, 3}
	if out := audio.ResampleMono(in, 16000, 16000); &out[0] != &in[0] {
		t.Error("matching rates should return the input slice")
	}
	if out := audio.ResampleMono(in[:1], 48000, 16000); &out[0] != &in[0] {
		t.Error("single-sample input should be returned unchanged")
	}
}

func TestStereoToMono(t *testing.T) {
	in := []int16{100, 200, -100, 100, 32767, 32767}
	out := audio.StereoToMono(in)
	want := []int16{150, 0, 32767}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i, s := range want {
		if out[i] != s {
			t.Errorf("out[%d] = %d, want %d", i, out[i], s)
		}
	}
}
