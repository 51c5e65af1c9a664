package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/provider/stt"
)

// ---- constructor ----

func TestNew_EmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("http://localhost:8080")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.language != defaultLanguage {
		t.Errorf("language = %q", p.language)
	}
	if p.silenceThresholdMs != defaultSilenceThresholdMs {
		t.Errorf("silenceThresholdMs = %d", p.silenceThresholdMs)
	}
	if p.maxBufferDurationMs != defaultMaxBufferDurationMs {
		t.Errorf("maxBufferDurationMs = %d", p.maxBufferDurationMs)
	}
}

// ---- WAV encoding ----

func TestEncodeWAV_Header(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := encodeWAV(pcm, 16000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 16000 {
		t.Errorf("sample rate = %d", sr)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d, want mono", ch)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:44]); ds != uint32(len(pcm)) {
		t.Errorf("data size = %d", ds)
	}
	if string(wav[44:]) != string(pcm) {
		t.Error("pcm payload mangled")
	}
}

// ---- silence detection helpers ----

func TestComputeRMS(t *testing.T) {
	if rms := computeRMS(nil); rms != 0 {
		t.Errorf("rms of empty buffer = %f", rms)
	}

	silent := make([]byte, 320)
	if rms := computeRMS(silent); rms != 0 {
		t.Errorf("rms of silence = %f", rms)
	}

	loud := sinePCM(160, 8000)
	if rms := computeRMS(loud); rms < defaultRMSThreshold {
		t.Errorf("rms of loud sine = %f, want above threshold", rms)
	}
}

func TestChunkDurationMs(t *testing.T) {
	// 320 bytes = 160 samples = 10 ms at 16 kHz mono.
	if ms := chunkDurationMs(make([]byte, 320), 16000); ms != 10 {
		t.Errorf("duration = %d ms, want 10", ms)
	}
	if ms := chunkDurationMs(make([]byte, 320), 0); ms != 0 {
		t.Errorf("duration with invalid rate = %d, want 0", ms)
	}
}

// ---- end-to-end against a fake whisper-server ----

func TestGenerateTranscribesUtterance(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithSilenceThresholdMs(20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	j, err := p.Generate(context.Background(), stt.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer j.Cancel()

	// One loud utterance followed by enough silence to trigger the flush.
	j.PushVoice(sineSamples(800, 8000))
	for i := 0; i < 5; i++ {
		j.PushVoice(make([]int16, 160)) // 10 ms of silence each
	}

	select {
	case c := <-j.Chunks():
		if c.Kind != job.Content || c.Text != "hello world" {
			t.Fatalf("chunk = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript emitted")
	}
	if requests.Load() != 1 {
		t.Errorf("server hit %d times, want 1", requests.Load())
	}
}

func TestGenerateLeadingSilenceDiscarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be called for pure silence")
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithSilenceThresholdMs(20))
	j, err := p.Generate(context.Background(), stt.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := 0; i < 10; i++ {
		j.PushVoice(make([]int16, 160))
	}
	time.Sleep(100 * time.Millisecond)
	j.Cancel()

	for c := range j.Chunks() {
		if c.Kind != job.End {
			t.Errorf("unexpected chunk %+v", c)
		}
	}
}

func TestCancelEndsStreamAndSilencesPush(t *testing.T) {
	p, _ := New("http://localhost:1") // never contacted
	j, err := p.Generate(context.Background(), stt.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	j.Cancel()
	j.PushVoice(sineSamples(160, 8000)) // must return silently

	select {
	case c, ok := <-j.Chunks():
		if ok && c.Kind != job.End {
			t.Errorf("chunk after cancel = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate")
	}
}

func TestGenerateContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := New("http://localhost:8080")
	if _, err := p.Generate(ctx, stt.Config{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ---- conversion ----

func TestPCMToFloat32(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:2], uint16(int16(16384)))  // +0.5
	binary.LittleEndian.PutUint16(pcm[2:4], uint16(int16(-16384))) // -0.5

	samples := pcmToFloat32(pcm)
	if len(samples) != 2 {
		t.Fatalf("len = %d", len(samples))
	}
	if math.Abs(float64(samples[0])-0.5) > 1e-3 || math.Abs(float64(samples[1])+0.5) > 1e-3 {
		t.Errorf("samples = %v", samples)
	}
}

// ---- helpers ----

// sinePCM returns n samples of a loud sine wave as 16-bit LE bytes.
func sinePCM(n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*float64(i)/40))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func sineSamples(n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*float64(i)/40))
	}
	return out
}
