package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("store backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Bus.MaxRetries != 3 || cfg.Bus.DeadLetterMax != 1000 {
		t.Fatalf("bus defaults = %+v", cfg.Bus)
	}
	if cfg.Mesh.FailureThreshold != 5 || cfg.Mesh.CooldownPeriod != 30*time.Second {
		t.Fatalf("mesh defaults = %+v", cfg.Mesh)
	}
	if cfg.Tx.CommitMaxAttempts != 0 {
		t.Fatalf("commit attempts default = %d, want 0 (unbounded)", cfg.Tx.CommitMaxAttempts)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	content := `
server:
  listenAddr: ":9090"
bus:
  maxRetries: 7
store:
  backend: redis
  snapshotEvery: 50
mesh:
  failureThreshold: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Bus.MaxRetries != 7 {
		t.Fatalf("max retries = %d", cfg.Bus.MaxRetries)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.SnapshotEvery != 50 {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Mesh.FailureThreshold != 2 {
		t.Fatalf("failure threshold = %d", cfg.Mesh.FailureThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.Bus.DeadLetterMax != 1000 {
		t.Fatalf("dead letter max = %d, want default", cfg.Bus.DeadLetterMax)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestFromEnvLayersFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listenAddr: \":9090\"\nbus:\n  maxRetries: 7\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CORE_CONFIG", path)
	t.Setenv("BUS_MAX_RETRIES", "9")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("MESH_CALL_TIMEOUT", "3s")
	t.Setenv("TX_COMMIT_MAX_ATTEMPTS", "4")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	// Environment wins over the file, the file wins over defaults.
	if cfg.Bus.MaxRetries != 9 {
		t.Fatalf("max retries = %d, want env override 9", cfg.Bus.MaxRetries)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q, want file value", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "redis" {
		t.Fatalf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Mesh.CallTimeout != 3*time.Second {
		t.Fatalf("call timeout = %v", cfg.Mesh.CallTimeout)
	}
	if cfg.Tx.CommitMaxAttempts != 4 {
		t.Fatalf("commit attempts = %d", cfg.Tx.CommitMaxAttempts)
	}
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("BUS_MAX_RETRIES", "not-a-number")
	t.Setenv("BUS_RETRY_INITIAL", "soon")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Bus.MaxRetries != Default().Bus.MaxRetries {
		t.Fatalf("max retries = %d, want default", cfg.Bus.MaxRetries)
	}
	if cfg.Bus.RetryInitial != Default().Bus.RetryInitial {
		t.Fatalf("retry initial = %v, want default", cfg.Bus.RetryInitial)
	}
}

func writeSeedFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
}

func TestSeedLoaderInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	writeSeedFile(t, path, `
services:
  - name: payments
    endpoints: ["http://payments-1:8080", "http://payments-2:8080"]
  - name: inventory
    endpoints: ["http://inventory:8080"]
`)

	loader, err := NewSeedLoader(path, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	seeds := loader.Seeds()
	if len(seeds) != 2 {
		t.Fatalf("seeds = %+v, want 2", seeds)
	}
	if seeds[0].Name != "payments" || len(seeds[0].Endpoints) != 2 {
		t.Fatalf("seeds[0] = %+v", seeds[0])
	}

	if _, err := NewSeedLoader(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing seed file")
	}
}

func TestSeedLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	writeSeedFile(t, path, "services:\n  - name: payments\n    endpoints: [\"http://a\"]\n")

	loader, err := NewSeedLoader(path, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	changed := make(chan []SeedService, 4)
	loader.OnChange(func(seeds []SeedService) { changed <- seeds })

	stop, err := loader.Watch()
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	writeSeedFile(t, path, "services:\n  - name: payments\n    endpoints: [\"http://a\", \"http://b\"]\n")

	select {
	case seeds := <-changed:
		if len(seeds) != 1 || len(seeds[0].Endpoints) != 2 {
			t.Fatalf("reloaded seeds = %+v", seeds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("seed file change never observed")
	}
	if got := loader.Seeds(); len(got) != 1 || len(got[0].Endpoints) != 2 {
		t.Fatalf("current seeds = %+v", got)
	}
}
