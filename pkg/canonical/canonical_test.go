package canonical_test

import (
	"errors"
	"math"
	"math/big"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/lifert/life/pkg/canonical"
	"github.com/lifert/life/pkg/lifeerr"
)

func roundTrip(t *testing.T, in any) any {
	t.Helper()
	data, err := canonical.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal(%#v): %v", in, err)
	}
	var out any
	if err := canonical.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal(%s): %v", data, err)
	}
	return out
}

func TestRoundTripDate(t *testing.T) {
	in := time.Date(2026, 8, 24, 12, 30, 45, 123456000, time.UTC)
	out, ok := roundTrip(t, in).(time.Time)
	if !ok || !out.Equal(in) {
		t.Errorf("got %v, want %v", out, in)
	}
}

func TestRoundTripBigInt(t *testing.T) {
	in := new(big.Int)
	in.SetString("123456789012345678901234567890", 10)
	out, ok := roundTrip(t, in).(*big.Int)
	if !ok || out.Cmp(in) != 0 {
		t.Errorf("got %v, want %v", out, in)
	}
}

func TestRoundTripURLAndRegexp(t *testing.T) {
	u, _ := url.Parse("https://example.com/path?q=1")
	out, ok := roundTrip(t, u).(*url.URL)
	if !ok || out.String() != u.String() {
		t.Errorf("url: got %v, want %v", out, u)
	}

	re := regexp.MustCompile(`^agent_[a-f0-9]+$`)
	outRe, ok := roundTrip(t, re).(*regexp.Regexp)
	if !ok || outRe.String() != re.String() {
		t.Errorf("regexp: got %v, want %v", outRe, re)
	}
}

func TestRoundTripError(t *testing.T) {
	in := lifeerr.New(lifeerr.NotFound, "no such agent").AsPublic()
	out, ok := roundTrip(t, in).(*lifeerr.Error)
	if !ok {
		t.Fatalf("expected *lifeerr.Error, got %T", roundTrip(t, in))
	}
	if out.Code != lifeerr.NotFound || out.Message != "no such agent" || !out.Public {
		t.Errorf("got %+v", out)
	}
}

func TestRoundTripSet(t *testing.T) {
	in := canonical.Set{"a", "b", int64(3)}
	out, ok := roundTrip(t, in).(canonical.Set)
	if !ok || len(out) != 3 {
		t.Fatalf("got %#v", roundTrip(t, in))
	}
}

func TestRoundTripBytes(t *testing.T) {
	in := []byte{0x00, 0x01, 0xfe, 0xff}
	out, ok := roundTrip(t, in).([]byte)
	if !ok || len(out) != 4 || out[2] != 0xfe {
		t.Errorf("got %#v", out)
	}
}

func TestNestedTreeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]any{
		"id":      "agent_1",
		"started": at,
		"count":   int64(3),
		"tags":    []any{"a", "b"},
	}
	out, ok := roundTrip(t, in).(map[string]any)
	if !ok {
		t.Fatalf("got %T", roundTrip(t, in))
	}
	if got := out["started"].(time.Time); !got.Equal(at) {
		t.Errorf("started = %v, want %v", got, at)
	}
	if out["id"] != "agent_1" {
		t.Errorf("id = %v", out["id"])
	}
}

func TestDollarKeysSurvive(t *testing.T) {
	// A user map whose key collides with the tag namespace must not be
	// misinterpreted as a wrapper.
	in := map[string]any{"$date": "not a date"}
	out, ok := roundTrip(t, in).(map[any]any)
	if !ok {
		t.Fatalf("got %T", roundTrip(t, in))
	}
	if out["$date"] != "not a date" {
		t.Errorf("got %#v", out)
	}
}

func TestUnrepresentableValues(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
		{"complex", complex(1, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := canonical.Marshal(tt.in)
			if lifeerr.CodeOf(err) != lifeerr.Validation {
				t.Errorf("Marshal(%s) error = %v, want Validation", tt.name, err)
			}
		})
	}
}

func TestStructRoundTrip(t *testing.T) {
	type room struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	type params struct {
		ID        string         `json:"id"`
		Room      room           `json:"transportRoom"`
		Contexts  map[string]any `json:"pluginsContexts"`
		IsRestart bool           `json:"isRestart"`
		StartedAt time.Time      `json:"startedAt"`
	}

	in := params{
		ID:        "agent_42",
		Room:      room{Name: "room_agent_42", Token: "tok"},
		Contexts:  map[string]any{"scene": map[string]any{"mood": "calm"}},
		StartedAt: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}
	data, err := canonical.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out params
	if err := canonical.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Room != in.Room || !out.StartedAt.Equal(in.StartedAt) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if out.Contexts["scene"].(map[string]any)["mood"] != "calm" {
		t.Errorf("contexts = %#v", out.Contexts)
	}
}

func TestUnmarshalRejectsNonPointer(t *testing.T) {
	var out map[string]any
	err := canonical.Unmarshal([]byte(`{}`), out)
	if !errors.Is(err, lifeerr.New(lifeerr.Validation, "")) {
		t.Errorf("err = %v, want Validation", err)
	}
}
