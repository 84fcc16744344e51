package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provider:
  name: docker
  docker:
    image: sanduku-runtime:latest
    memory_mb: 256
lease:
  duration_seconds: 600
  buffer_seconds: 60
queue:
  addr: "redis:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Provider.ProviderName(); got != "docker" {
		t.Errorf("provider name = %q, want docker", got)
	}
	if cfg.Provider.Docker == nil || cfg.Provider.Docker.MemoryMB != 256 {
		t.Errorf("docker.memory_mb not parsed, got %+v", cfg.Provider.Docker)
	}
	if got := cfg.Lease.Duration(); got != 10*time.Minute {
		t.Errorf("lease duration = %v, want 10m", got)
	}
	if got := cfg.Queue.RedisAddr(); got != "redis:6379" {
		t.Errorf("redis addr = %q, want redis:6379", got)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "provider": {"name": "docker"},
  "server": {"listen_addr": ":9000"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Server.Addr(); got != ":9000" {
		t.Errorf("listen addr = %q, want :9000", got)
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "provider:\n  name: docker\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Lease.Duration(); got != 30*time.Minute {
		t.Errorf("default lease duration = %v, want 30m", got)
	}
	if got := cfg.Lease.Buffer(); got != 2*time.Minute {
		t.Errorf("default buffer = %v, want 2m", got)
	}
	if got := cfg.Lease.Retention(); got != 24*time.Hour {
		t.Errorf("default retention = %v, want 24h", got)
	}
	if got := cfg.Lease.PollInterval(); got != 3*time.Second {
		t.Errorf("default poll interval = %v, want 3s", got)
	}
	if got := cfg.Queue.RedisAddr(); got != "localhost:6379" {
		t.Errorf("default redis addr = %q, want localhost:6379", got)
	}
	if got := cfg.Validator.MaxBytes(); got != 64*1024 {
		t.Errorf("default max code bytes = %d, want 65536", got)
	}
	if got := cfg.Sessions.IdleTimeout(); got != time.Hour {
		t.Errorf("default idle timeout = %v, want 1h", got)
	}
	if got := cfg.StorageDriverName(); got != "sqlite" {
		t.Errorf("default storage driver = %q, want sqlite", got)
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	path := writeConfig(t, "config.yaml", "provider:\n  name: firecracker\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with unknown provider should fail")
	}
}

func TestE2BRequiresAPIKey(t *testing.T) {
	t.Setenv("E2B_API_KEY", "")
	path := writeConfig(t, "config.yaml", "provider:\n  name: e2b\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with e2b provider and no api key should fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOX_PROVIDER", "e2b")
	t.Setenv("E2B_API_KEY", "e2b_test_key")
	t.Setenv("SANDUKU_REDIS_ADDR", "override:6380")

	path := writeConfig(t, "config.yaml", `
provider:
  name: docker
queue:
  addr: "file:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Provider.ProviderName(); got != "e2b" {
		t.Errorf("provider name = %q, want e2b (env override)", got)
	}
	if cfg.Provider.E2B == nil || cfg.Provider.E2B.APIKey != "e2b_test_key" {
		t.Errorf("e2b api key not overridden from env")
	}
	if got := cfg.Queue.RedisAddr(); got != "override:6380" {
		t.Errorf("redis addr = %q, want override:6380 (env override)", got)
	}
}

func TestBufferMustBeSmallerThanDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
provider:
  name: docker
lease:
  duration_seconds: 60
  buffer_seconds: 60
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with buffer >= duration should fail")
	}
}

func TestMCPServerValidation(t *testing.T) {
	tests := []struct {
		name    string
		mcp     string
		wantErr bool
	}{
		{
			name:    "valid stdio",
			mcp:     "mcp:\n  - name: fs\n    transport: stdio\n    command: mcp-fs\n",
			wantErr: false,
		},
		{
			name:    "stdio without command",
			mcp:     "mcp:\n  - name: fs\n    transport: stdio\n",
			wantErr: true,
		},
		{
			name:    "sse without url",
			mcp:     "mcp:\n  - name: web\n    transport: sse\n",
			wantErr: true,
		},
		{
			name:    "duplicate names",
			mcp:     "mcp:\n  - name: fs\n    transport: stdio\n    command: a\n  - name: fs\n    transport: stdio\n    command: b\n",
			wantErr: true,
		},
		{
			name:    "unknown transport",
			mcp:     "mcp:\n  - name: fs\n    transport: grpc\n    command: a\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", "provider:\n  name: docker\n"+tt.mcp)
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
