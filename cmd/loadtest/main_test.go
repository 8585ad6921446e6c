package main

import (
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cases := map[float64]time.Duration{50: 5, 90: 9, 99: 10, 0: 1}
	for p, want := range cases {
		if got := percentile(sorted, p); got != want {
			t.Errorf("p%v = %v, want %v", p, got, want)
		}
	}
	if percentile(nil, 50) != 0 {
		t.Error("empty input should give zero")
	}
}

func TestFeedURL(t *testing.T) {
	got, err := feedURL(Config{BaseURL: "https://qa.example.com", Course: "CS 101"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://qa.example.com/ws/questions/CS%20101" {
		t.Errorf("feedURL = %q", got)
	}
}

func TestStatsRecord(t *testing.T) {
	s := NewStats()
	s.Record(time.Millisecond, 201, nil)
	s.Record(time.Millisecond, 429, nil)
	s.Record(0, 0, errFake{})
	if s.total.Load() != 3 || s.success.Load() != 1 || s.errors.Load() != 2 {
		t.Errorf("total=%d success=%d errors=%d", s.total.Load(), s.success.Load(), s.errors.Load())
	}
	if len(s.latencies) != 2 {
		t.Errorf("latencies = %d", len(s.latencies))
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake" }
