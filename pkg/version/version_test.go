package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	t.Cleanup(func() { readBuildInfo = debug.ReadBuildInfo })
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return bi, bi != nil
	}
}

func TestGetPreservesOverride(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "v9.9.9"}})
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "1.2.3"

	if got := Get().Version; got != "1.2.3" {
		t.Fatalf("expected override to be preserved, got %q", got)
	}
}

func TestGetUsesModuleVersion(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "v1.4.0"}})

	if got := Get().Version; got != "v1.4.0" {
		t.Fatalf("expected module version to be used, got %q", got)
	}
}

func TestGetUsesRevisionFallback(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		GoVersion: "go1.22.1",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef1234567890"},
			{Key: "vcs.modified", Value: "true"},
			{Key: "vcs.time", Value: "2024-05-01T12:00:00Z"},
		},
	})

	info := Get()
	if info.Version != "devel+abcdef123456-dirty" {
		t.Fatalf("expected revision fallback, got %q", info.Version)
	}
	out := info.String()
	for _, want := range []string{"devel+abcdef123456-dirty", "(abcdef123456-dirty, 2024-05-01T12:00:00Z)", "go1.22.1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestGetWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	if got := Get().Version; got != defaultVersion {
		t.Fatalf("expected default version, got %q", got)
	}
}
