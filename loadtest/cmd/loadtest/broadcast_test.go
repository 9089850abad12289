package main

import (
	"strings"
	"testing"
	"time"
)

func TestProbeRoundTrip(t *testing.T) {
	before := time.Now()
	text := probeText(3, 7, 64)

	if len(text) != 64 {
		t.Fatalf("probe length = %d, want 64", len(text))
	}
	sentAt, ok := parseProbe(text)
	if !ok {
		t.Fatalf("parseProbe(%q) failed", text)
	}
	if sentAt.Before(before.Add(-time.Millisecond)) || sentAt.After(time.Now()) {
		t.Errorf("sent time %v outside [%v, now]", sentAt, before)
	}
}

func TestParseProbe_Rejects(t *testing.T) {
	for _, text := range []string{"hello", "lt|", "lt|1|2|notanumber|", strings.Repeat("x", 10)} {
		if _, ok := parseProbe(text); ok {
			t.Errorf("parseProbe(%q) accepted", text)
		}
	}
}

func TestSplitUsers(t *testing.T) {
	got := splitUsers(" u1, ,u2,")
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("splitUsers = %v", got)
	}
}
