package logcfg

import (
	"path/filepath"
	"testing"
)

func TestCandidatesOrder(t *testing.T) {
	got := Candidates("network")
	want := []string{
		"network.smplog.toml",
		filepath.Join("local", "network.smplog.toml"),
		"smplog.config.toml",
		filepath.Join("local", "smplog.config.toml"),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	if shared := Candidates(""); len(shared) != 2 {
		t.Fatalf("expected only shared candidates, got %v", shared)
	}
}
