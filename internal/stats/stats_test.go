package stats

import (
	"context"
	"testing"
)

func TestHostSnapshot(t *testing.T) {
	snap, err := Host(context.Background())
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if snap.Memory.Total == 0 {
		t.Error("host memory total is zero")
	}
	if snap.Memory.Used > snap.Memory.Total {
		t.Errorf("used %d exceeds total %d", snap.Memory.Used, snap.Memory.Total)
	}
	if snap.Memory.UsedPercent < 0 || snap.Memory.UsedPercent > 100 {
		t.Errorf("memory used percent = %f", snap.Memory.UsedPercent)
	}
	if snap.CPU.UsedNS == 0 {
		t.Error("cumulative cpu time is zero")
	}
}

func TestSelfSnapshot(t *testing.T) {
	// Burn a little cpu so the sample is non-trivial.
	x := 0
	for i := 0; i < 1_000_000; i++ {
		x += i
	}
	_ = x

	snap, err := Self(context.Background())
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	if snap.Memory.Used == 0 {
		t.Error("process rss is zero")
	}
	if snap.Memory.Total == 0 {
		t.Error("host total is zero")
	}
	if snap.CPU.UsedPercent < 0 {
		t.Errorf("cpu used percent = %f", snap.CPU.UsedPercent)
	}
}

func TestProcessUnknownPid(t *testing.T) {
	if _, err := Process(context.Background(), 1<<30); err == nil {
		t.Fatal("expected error for nonexistent pid")
	}
}
