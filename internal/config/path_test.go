package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/pagedtopic" {
		t.Fatalf("got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected ./data fallback, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	got := DefaultDataDir()
	if !filepath.IsAbs(got) && got != "./data" {
		t.Fatalf("unexpected relative dir %s", got)
	}
	if filepath.Base(got) != "pagedtopic" && filepath.Base(got) != ".pagedtopic" && got != "./data" {
		t.Fatalf("unexpected leaf in %s", got)
	}
}

func TestIsDir(t *testing.T) {
	if !isDir(".") {
		t.Fatalf(". should be a dir")
	}
	if isDir("/non/existent/path") {
		t.Fatalf("missing path reported as dir")
	}
	if isDir(os.Args[0]) {
		t.Fatalf("executable reported as dir")
	}
}
