package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid config", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "valid.jsonc")
		configJSON := `{
			// Gateway listener
			"server": {"address": ":9000"},
			"child": {
				"command": "/usr/local/bin/seomcp-child",
				"runtime": "exec",
				"idle_timeout_seconds": 120,
				"call_timeout_seconds": 30
			},
			"database": {
				"credentials_path": "creds.db",
				"usage_path": "usage.db"
			},
			"ratelimit": {"requests_per_second": 5, "burst": 10},
			"providers": {
				"serpapi": {"api_key": "sk-test"}
			}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadFile(configPath)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
		}
		if cfg.Child.Command != "/usr/local/bin/seomcp-child" {
			t.Errorf("Child.Command = %q", cfg.Child.Command)
		}
		if cfg.Child.IdleTimeoutSeconds != 120 {
			t.Errorf("Child.IdleTimeoutSeconds = %d, want 120", cfg.Child.IdleTimeoutSeconds)
		}
		if cfg.RateLimit.RequestsPerSecond != 5 {
			t.Errorf("RateLimit.RequestsPerSecond = %v, want 5", cfg.RateLimit.RequestsPerSecond)
		}
		if cfg.Providers["serpapi"]["api_key"] != "sk-test" {
			t.Errorf("Providers[serpapi][api_key] = %q", cfg.Providers["serpapi"]["api_key"])
		}
		if cfg.ConfigDir != tmpDir {
			t.Errorf("ConfigDir = %q, want %q", cfg.ConfigDir, tmpDir)
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "minimal.jsonc")
		_ = os.WriteFile(configPath, []byte(`{"server": {}}`), 0o644)

		cfg, err := LoadFile(configPath)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if cfg.Server.Address != ":8080" {
			t.Errorf("Server.Address = %q, want default %q", cfg.Server.Address, ":8080")
		}
		if cfg.Child.Command != "seomcp-child" {
			t.Errorf("Child.Command = %q, want default %q", cfg.Child.Command, "seomcp-child")
		}
		if cfg.Child.Runtime != "exec" {
			t.Errorf("Child.Runtime = %q, want default %q", cfg.Child.Runtime, "exec")
		}
		if cfg.Child.CallTimeoutSeconds != 60 {
			t.Errorf("Child.CallTimeoutSeconds = %d, want default 60", cfg.Child.CallTimeoutSeconds)
		}
		if cfg.Child.IdleTimeoutSeconds != 300 {
			t.Errorf("Child.IdleTimeoutSeconds = %d, want default 300", cfg.Child.IdleTimeoutSeconds)
		}
		if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
			t.Errorf("RateLimit = %+v, want default 10/20", cfg.RateLimit)
		}
		if cfg.Retention.UsageDays != 365 {
			t.Errorf("Retention.UsageDays = %d, want default 365", cfg.Retention.UsageDays)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "broken.jsonc")
		_ = os.WriteFile(configPath, []byte(`{"server": `), 0o644)

		if _, err := LoadFile(configPath); err == nil {
			t.Fatalf("LoadFile() error = nil, want parse error")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}

	cfg = Default()
	cfg.Child.Runtime = "podman"
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() accepted unknown runtime")
	}

	cfg = Default()
	cfg.Child.Runtime = "docker"
	cfg.Child.Image = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() accepted docker runtime without image")
	}

	cfg = Default()
	cfg.Retention.UsageDays = 7
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() accepted retention shorter than the quota month")
	}
}

func TestFindConfigPath_ExplicitDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "seomcp.jsonc")
	_ = os.WriteFile(configPath, []byte(`{}`), 0o644)

	got, err := FindConfigPath(tmpDir)
	if err != nil {
		t.Fatalf("FindConfigPath() error = %v", err)
	}
	if got != configPath {
		t.Errorf("FindConfigPath() = %q, want %q", got, configPath)
	}

	if _, err := FindConfigPath(filepath.Join(tmpDir, "missing")); err == nil {
		t.Errorf("FindConfigPath() on missing dir did not error")
	}
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "line comment",
			input: "{\n// comment\n\"a\": 1\n}",
			want:  "{\n\n\"a\": 1\n}",
		},
		{
			name:  "block comment",
			input: `{"a": /* note */ 1}`,
			want:  `{"a":  1}`,
		},
		{
			name:  "slashes inside string preserved",
			input: `{"url": "https://example.com"}`,
			want:  `{"url": "https://example.com"}`,
		},
		{
			name:  "escaped quote does not end string",
			input: `{"a": "say \"hi\" // not a comment"}`,
			want:  `{"a": "say \"hi\" // not a comment"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripJSONComments_ResultParses(t *testing.T) {
	input := `{
		// listener
		"server": {"address": ":8080"}, /* inline */
		"child": {"command": "seomcp-child"}
	}`
	out := StripJSONComments([]byte(input))
	if strings.Contains(string(out), "listener") || strings.Contains(string(out), "inline") {
		t.Errorf("comments survived stripping: %s", out)
	}
}
