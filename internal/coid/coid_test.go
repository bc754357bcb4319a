package coid

import (
	"testing"
	"time"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"well formed", "co_zAbc123", true},
		{"bare prefix", "co_z", false},
		{"missing prefix", "zAbc123", false},
		{"non alnum suffix", "co_zAb!c", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.in); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	id, ok := Parse("co_zfoo123")
	if !ok || id != "co_zfoo123" {
		t.Fatalf("Parse failed: id=%q ok=%v", id, ok)
	}
	if _, ok := Parse("not-a-coid"); ok {
		t.Fatalf("Parse should reject malformed id")
	}
}

func TestGenerateDeterministicAndDistinguishing(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := Generate("comap", []byte("same-header"), ts, 0)
	b := Generate("comap", []byte("same-header"), ts, 0)
	if a != b {
		t.Fatalf("Generate should be deterministic for identical inputs: %q != %q", a, b)
	}
	if !Valid(string(a)) {
		t.Fatalf("generated id %q is not a valid CoId", a)
	}

	c := Generate("comap", []byte("same-header"), ts, 1)
	if a == c {
		t.Fatalf("nonce should disambiguate colliding content: %q == %q", a, c)
	}

	d := Generate("colist", []byte("same-header"), ts, 0)
	if a == d {
		t.Fatalf("kind should factor into the hash: %q == %q", a, d)
	}
}

func TestEncodeBase36PadsAndTruncates(t *testing.T) {
	short := encodeBase36([]byte{0}, 5)
	if len(short) != 5 {
		t.Fatalf("expected zero-padding to length 5, got %q (len %d)", short, len(short))
	}
	long := encodeBase36([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 3)
	if len(long) != 3 {
		t.Fatalf("expected truncation to length 3, got %q (len %d)", long, len(long))
	}
}
