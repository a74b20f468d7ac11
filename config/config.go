// Package config loads .proxy listener configuration files: one [HOST]
// section describing the listen port, followed by an ordered sequence of
// upstream client sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/alex-rizov/pos-proxy/metricsx"
	"github.com/alex-rizov/pos-proxy/upstream"
)

// ClientConfig is one upstream section of a .proxy file.
type ClientConfig struct {
	Name      string
	Remote    string
	Port      uint16
	CardMasks []string
}

// Configuration is one fully parsed .proxy file: a listen port and an
// ordered list of upstream clients. The first client is the implicit
// default for DefaultUnicast routing.
type Configuration struct {
	SourceFile string
	ListenPort uint16
	PosType    string
	Clients    []ClientConfig
}

// DiscoverFiles returns the sorted paths of every *.proxy file directly
// inside dir, each joined onto dir (so relative when dir is). Sorted order makes listener startup deterministic
// across runs for the same directory contents.
func DiscoverFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.proxy"))
	if err != nil {
		return nil, fmt.Errorf("config: glob %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Load parses a single .proxy file.
func Load(path string) (Configuration, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	host := f.Section("HOST")
	port, err := host.Key("Port").Uint()
	if err != nil {
		return Configuration{}, fmt.Errorf("config: %s: HOST.Port: %w", path, err)
	}
	posType := host.Key("PosType").MustString("PASSPORT")
	if posType != "PASSPORT" {
		return Configuration{}, fmt.Errorf("config: %s: unsupported PosType %q", path, posType)
	}

	cfg := Configuration{
		SourceFile: path,
		ListenPort: uint16(port),
		PosType:    posType,
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "HOST" {
			continue
		}

		remote := sec.Key("Remote").String()
		clientPort, err := sec.Key("Port").Uint()
		if err != nil {
			return Configuration{}, fmt.Errorf("config: %s: %s.Port: %w", path, name, err)
		}

		cfg.Clients = append(cfg.Clients, ClientConfig{
			Name:      name,
			Remote:    remote,
			Port:      uint16(clientPort),
			CardMasks: parseCardMasks(sec.Key("CardMasks").String()),
		})
	}

	return cfg, nil
}

// parseCardMasks splits a comma-separated CardMasks value, trimming
// whitespace and dropping blank tokens. A wholly empty or unset value
// therefore yields an empty slice rather than one blank-string mask,
// which would otherwise match every card.
func parseCardMasks(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	masks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		masks = append(masks, p)
	}
	return masks
}

// UpstreamConfigs converts the parsed client sections into upstream.Config
// values ready for upstream.New, wiring in the given metrics set (nil is
// fine, for tests that don't need counters). Timeouts are left at zero, so
// upstream.New fills in its defaults.
func (c Configuration) UpstreamConfigs(m *metricsx.Metrics) []upstream.Config {
	out := make([]upstream.Config, 0, len(c.Clients))
	for _, cl := range c.Clients {
		out = append(out, upstream.Config{
			Name:      cl.Name,
			Host:      cl.Remote,
			Port:      cl.Port,
			CardMasks: cl.CardMasks,
			Metrics:   m,
		})
	}
	return out
}

// TouchVersionMarker creates (or updates the mtime of) an empty
// POSPROXY.ver marker file in dir, mirroring the startup marker the
// reference daemon leaves behind for packaging/health checks.
func TouchVersionMarker(dir string) error {
	path := filepath.Join(dir, "POSPROXY.ver")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("config: touch %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: touch %s: %w", path, err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("config: touch %s: %w", path, err)
	}
	return nil
}
