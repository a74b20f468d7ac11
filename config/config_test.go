package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alex-rizov/pos-proxy/config"
)

const sampleProxyFile = `
[HOST]
Port = 10100
PosType = PASSPORT

[CLIENT-1]
Remote = 10.0.0.5
Port   = 20100
CardMasks = 425001, 425002

[CLIENT-2]
Remote = 10.0.0.6
Port   = 20100
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lane1.proxy", sampleProxyFile)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 10100 {
		t.Fatalf("ListenPort = %d, want 10100", cfg.ListenPort)
	}
	if len(cfg.Clients) != 2 {
		t.Fatalf("got %d clients, want 2", len(cfg.Clients))
	}
	if cfg.Clients[0].Name != "CLIENT-1" {
		t.Fatalf("first client = %q, want CLIENT-1 (first is the implicit default)", cfg.Clients[0].Name)
	}
	if len(cfg.Clients[0].CardMasks) != 2 {
		t.Fatalf("got %d masks, want 2", len(cfg.Clients[0].CardMasks))
	}
	if len(cfg.Clients[1].CardMasks) != 0 {
		t.Fatalf("CLIENT-2 has no CardMasks configured, expected an empty slice, got %v", cfg.Clients[1].CardMasks)
	}
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.proxy", sampleProxyFile)
	writeFile(t, dir, "a.proxy", sampleProxyFile)
	writeFile(t, dir, "ignored.txt", "not a proxy file")

	files, err := config.DiscoverFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}
	if filepath.Base(files[0]) != "a.proxy" || filepath.Base(files[1]) != "b.proxy" {
		t.Fatalf("expected sorted order, got %v", files)
	}
}

func TestParseCardMasks_BlankDoesNotMatchEverything(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lane1.proxy", `
[HOST]
Port = 1
PosType = PASSPORT

[ONLY]
Remote = 127.0.0.1
Port = 2
CardMasks =
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Clients[0].CardMasks) != 0 {
		t.Fatalf("blank CardMasks must parse to an empty slice, got %v", cfg.Clients[0].CardMasks)
	}
}

func TestTouchVersionMarker(t *testing.T) {
	dir := t.TempDir()
	if err := config.TouchVersionMarker(dir); err != nil {
		t.Fatalf("TouchVersionMarker: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "POSPROXY.ver")); err != nil {
		t.Fatalf("marker file missing: %v", err)
	}
}
