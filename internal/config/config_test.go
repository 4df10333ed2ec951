package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.AudioDir != "./media" {
			t.Errorf("AudioDir = %q, want ./media", cfg.AudioDir)
		}
		if cfg.PollInterval != 3*time.Second {
			t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval)
		}
		if cfg.PollTimeout != 30*time.Minute {
			t.Errorf("PollTimeout = %v, want 30m", cfg.PollTimeout)
		}
		if cfg.CloudAPIURL != "https://api.assemblyai.com/v2" {
			t.Errorf("CloudAPIURL = %q", cfg.CloudAPIURL)
		}
		if cfg.TranscribeWorkers != 2 {
			t.Errorf("TranscribeWorkers = %d, want 2", cfg.TranscribeWorkers)
		}
		if cfg.ShutdownGrace != 30*time.Second {
			t.Errorf("ShutdownGrace = %v, want 30s", cfg.ShutdownGrace)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true with no bucket")
		}
		if !cfg.S3.LocalCache {
			t.Error("S3.LocalCache = false, want true")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			AudioDir:    "/tmp/media",
			InboxDir:    "/tmp/inbox",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.AudioDir != "/tmp/media" {
			t.Errorf("AudioDir = %q, want /tmp/media", cfg.AudioDir)
		}
		if cfg.InboxDir != "/tmp/inbox" {
			t.Errorf("InboxDir = %q, want /tmp/inbox", cfg.InboxDir)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})
}

func TestLoadCloudCredential(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL":        "postgres://localhost/test",
		"ASSEMBLY_AI_API_KEY": "key-123",
		"S3_BUCKET":           "audio",
	})
	defer cleanup()

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CloudAPIKey() == "" {
		t.Error("CloudAPIKey() empty with credential set")
	}
	if !cfg.S3.Enabled() {
		t.Error("S3.Enabled() = false with S3_BUCKET set")
	}
	if cfg.S3.Region != "us-east-1" {
		t.Errorf("S3.Region = %q, want us-east-1", cfg.S3.Region)
	}
}

func TestLoadEnvFile(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{"DATABASE_URL": ""})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")
	defer os.Unsetenv("LOCAL_STT_MODEL")

	path := filepath.Join(t.TempDir(), "test.env")
	content := "DATABASE_URL=postgres://fromfile/db\nLOCAL_STT_MODEL=whisper-small\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Overrides{EnvFile: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://fromfile/db" {
		t.Errorf("DatabaseURL = %q, want value from env file", cfg.DatabaseURL)
	}
	if cfg.LocalSTTModel != "whisper-small" {
		t.Errorf("LocalSTTModel = %q, want whisper-small", cfg.LocalSTTModel)
	}
	os.Unsetenv("DATABASE_URL")
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{CORSOrigins: " https://a.example , ,https://b.example"}
	got := cfg.CORSOriginList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("CORSOriginList() = %v", got)
	}
	if (&Config{}).CORSOriginList() != nil {
		t.Error("empty CORS_ORIGINS should yield nil")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "",
	})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
	}
}

func TestLoadDatabaseURLFromFlagOnly(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{"DATABASE_URL": ""})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env", DatabaseURL: "postgres://flag/db"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://flag/db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"zero_workers", map[string]string{"TRANSCRIBE_WORKERS": "0"}, "TRANSCRIBE_WORKERS must be at least 1"},
		{"zero_queue", map[string]string{"TRANSCRIBE_QUEUE_SIZE": "0"}, "TRANSCRIBE_QUEUE_SIZE must be at least 1"},
		{"zero_upload", map[string]string{"MAX_UPLOAD_MB": "0"}, "MAX_UPLOAD_MB must be at least 1"},
		{"zero_ring", map[string]string{"EVENT_RING_SIZE": "0"}, "EVENT_RING_SIZE must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := map[string]string{"DATABASE_URL": "postgres://localhost/test"}
			for k, v := range tt.env {
				envs[k] = v
			}
			cleanup := setEnvs(t, envs)
			defer cleanup()

			_, err := Load(Overrides{EnvFile: "nonexistent.env"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}

func TestCloudAPIKey(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"", ""},
		{"  \t", ""},
		{"abc123", "abc123"},
		{" abc123\n", "abc123"},
	}
	for _, tt := range tests {
		cfg := &Config{AssemblyAIKey: tt.raw}
		if got := cfg.CloudAPIKey(); got != tt.want {
			t.Errorf("CloudAPIKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
