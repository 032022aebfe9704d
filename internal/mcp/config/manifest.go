// Package config reads the mcp.json manifest that lists the MCP servers the
// assistant connects to.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest is the on-disk shape, compatible with the common "mcpServers" layout.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes one MCP server: a command to spawn or a remote transport.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Result is the merged view of every manifest that was found.
type Result struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// IsEnabled defaults to true when the manifest omits "enabled".
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsWebSocket reports whether the server is reached over a websocket URL
// rather than spawned.
func (s ServerConfig) IsWebSocket() bool {
	if s.Transport == nil || s.Transport.URL == "" {
		return false
	}
	switch strings.ToLower(s.Transport.Type) {
	case "", "ws", "websocket":
		return true
	}
	return false
}

// Load reads the manifest at override when set. Otherwise it merges the
// project manifest (.voiceloop/mcp.json) with the user one
// ($XDG_CONFIG_HOME/voiceloop/mcp.json), the user entries winning.
// Missing files are not an error.
func Load(override string) (Result, error) {
	res := Result{Servers: make(map[string]ServerConfig)}
	var paths []string
	if override != "" {
		p, err := expandPath(override)
		if err != nil {
			return res, err
		}
		if _, err := os.Stat(p); err != nil {
			return res, fmt.Errorf("mcp manifest: %w", err)
		}
		paths = []string{p}
	} else {
		if cwd, err := os.Getwd(); err == nil {
			paths = append(paths, filepath.Join(cwd, ".voiceloop", "mcp.json"))
		}
		if dir, err := userConfigDir(); err == nil {
			paths = append(paths, filepath.Join(dir, "voiceloop", "mcp.json"))
		}
	}

	for _, p := range paths {
		m, err := readManifest(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, err
		}
		for name, sc := range m.Servers {
			res.Servers[name] = normalize(sc)
		}
		res.Sources = append(res.Sources, p)
	}

	res.Order = make([]string, 0, len(res.Servers))
	for name := range res.Servers {
		res.Order = append(res.Order, name)
	}
	sort.Strings(res.Order)
	return res, nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func userConfigDir() (string, error) {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config"), nil
}

// normalize expands a leading ~ in paths, arguments and env values.
func normalize(sc ServerConfig) ServerConfig {
	expand := func(v string) string {
		if out, err := expandPath(v); err == nil {
			return out
		}
		return v
	}
	sc.Command = expand(sc.Command)
	if sc.Args != nil {
		args := make([]string, len(sc.Args))
		for i, a := range sc.Args {
			args[i] = expand(a)
		}
		sc.Args = args
	}
	if len(sc.Env) > 0 {
		env := make(map[string]string, len(sc.Env))
		for k, v := range sc.Env {
			env[k] = expand(v)
		}
		sc.Env = env
	}
	if sc.Transport != nil {
		t := *sc.Transport
		t.URL = expand(t.URL)
		sc.Transport = &t
	}
	return sc
}

func expandPath(v string) (string, error) {
	if v != "~" && !strings.HasPrefix(v, "~/") {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return v, err
	}
	if v == "~" {
		return home, nil
	}
	return filepath.Join(home, v[2:]), nil
}
