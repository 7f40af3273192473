package lsp

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ServerDescriptor declares how to launch a language server and which file
// extensions it handles. Descriptors are immutable after configuration load.
type ServerDescriptor struct {
	// Extensions this server handles, without the leading dot.
	Extensions []string `json:"extensions"`

	// Command is the executable and its arguments.
	Command []string `json:"command"`

	// RootDir overrides the working directory (defaults to workspace root).
	RootDir string `json:"rootDir,omitempty"`

	// RestartInterval periodically recycles the server. Zero disables it.
	RestartInterval Duration `json:"restartInterval,omitempty"`

	// InitializationOptions are sent during initialize.
	InitializationOptions any `json:"initializationOptions,omitempty"`

	// Settings answer workspace/configuration requests.
	Settings any `json:"settings,omitempty"`
}

// Signature identifies the descriptor's command for session and cache keys.
func (d ServerDescriptor) Signature() string {
	return strings.Join(d.Command, " ")
}

// Handles reports whether the descriptor covers the given extension
// (without the leading dot).
func (d ServerDescriptor) Handles(ext string) bool {
	for _, e := range d.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Available reports whether the descriptor's executable is on PATH.
func (d ServerDescriptor) Available() bool {
	if len(d.Command) == 0 {
		return false
	}
	_, err := exec.LookPath(d.Command[0])
	return err == nil
}

// Duration is a time.Duration that unmarshals from either a duration string
// ("5m") or a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultDescriptors returns the built-in server table for common languages.
func DefaultDescriptors() []ServerDescriptor {
	return []ServerDescriptor{
		{
			Extensions: []string{"go"},
			Command:    []string{"gopls", "serve"},
		},
		{
			Extensions: []string{"rs"},
			Command:    []string{"rust-analyzer"},
		},
		{
			Extensions: []string{"ts", "tsx", "js", "jsx", "mjs", "cjs"},
			Command:    []string{"typescript-language-server", "--stdio"},
		},
		{
			Extensions: []string{"py"},
			Command:    []string{"pylsp"},
		},
		{
			Extensions: []string{"c", "cpp", "cc", "cxx", "h", "hpp"},
			Command:    []string{"clangd"},
		},
	}
}

// configFile is the on-disk shape of a descriptor list.
type configFile struct {
	Servers []ServerDescriptor `json:"servers"`
}

// LoadDescriptors reads user descriptors from a JSON config file.
func LoadDescriptors(path string) ([]ServerDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i, d := range cfg.Servers {
		if len(d.Command) == 0 {
			return nil, fmt.Errorf("config %s: server %d has no command", path, i)
		}
		if len(d.Extensions) == 0 {
			return nil, fmt.Errorf("config %s: server %d handles no extensions", path, i)
		}
	}
	return cfg.Servers, nil
}

// MergeDescriptors combines user descriptors with the built-in defaults.
// Any extension the user covers is taken as-is; defaults only fill
// extensions the user left uncovered.
func MergeDescriptors(user, defaults []ServerDescriptor) []ServerDescriptor {
	covered := make(map[string]bool)
	for _, d := range user {
		for _, ext := range d.Extensions {
			covered[strings.ToLower(ext)] = true
		}
	}

	merged := make([]ServerDescriptor, 0, len(user)+len(defaults))
	merged = append(merged, user...)

	for _, d := range defaults {
		var remaining []string
		for _, ext := range d.Extensions {
			if !covered[strings.ToLower(ext)] {
				remaining = append(remaining, ext)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		d.Extensions = remaining
		merged = append(merged, d)
	}
	return merged
}
