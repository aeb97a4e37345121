package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full tuning surface of the core. Values come from
// defaults, then the optional YAML file, then environment overrides.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Bus    BusConfig    `yaml:"bus"`
	Store  StoreConfig  `yaml:"store"`
	Mesh   MeshConfig   `yaml:"mesh"`
	Tx     TxConfig     `yaml:"tx"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type BusConfig struct {
	DispatchBuffer   int           `yaml:"dispatchBuffer"`
	SubscriberQueue  int           `yaml:"subscriberQueue"`
	HandoffTimeout   time.Duration `yaml:"handoffTimeout"`
	MaxRetries       int           `yaml:"maxRetries"`
	RetryInitial     time.Duration `yaml:"retryInitial"`
	RetryMax         time.Duration `yaml:"retryMax"`
	DeadLetterMax    int           `yaml:"deadLetterMax"`
	DeadLetterQueue  string        `yaml:"deadLetterQueue"`
	DedupeTTL        time.Duration `yaml:"dedupeTTL"`
	DefaultSource    string        `yaml:"defaultSource"`
	ShutdownDeadline time.Duration `yaml:"shutdownDeadline"`
}

type StoreConfig struct {
	// Backend selects the persistence layer: memory, redis or aztables.
	Backend          string `yaml:"backend"`
	ConnectionString string `yaml:"connectionString"`
	EventsTable      string `yaml:"eventsTable"`
	SnapshotEvery    int64  `yaml:"snapshotEvery"`
	DefaultReadLimit int    `yaml:"defaultReadLimit"`
	RebuildCacheTTL  time.Duration `yaml:"rebuildCacheTTL"`
	UpdatesChannel   string        `yaml:"updatesChannel"`
}

type MeshConfig struct {
	CallTimeout       time.Duration `yaml:"callTimeout"`
	FailureThreshold  int           `yaml:"failureThreshold"`
	FailureWindow     time.Duration `yaml:"failureWindow"`
	CooldownPeriod    time.Duration `yaml:"cooldownPeriod"`
	HalfOpenMaxCalls  int           `yaml:"halfOpenMaxCalls"`
	SuccessThreshold  int           `yaml:"successThreshold"`
	SeedFile          string        `yaml:"seedFile"`
	Seeds             []SeedService `yaml:"seeds"`
	RegistryKeyPrefix string        `yaml:"registryKeyPrefix"`
}

// SeedService pre-registers a service known at boot time.
type SeedService struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

type TxConfig struct {
	PrepareTimeout     time.Duration `yaml:"prepareTimeout"`
	CommitRetryInitial time.Duration `yaml:"commitRetryInitial"`
	CommitRetryMax     time.Duration `yaml:"commitRetryMax"`
	// CommitMaxAttempts bounds per-participant commit retries. Zero means
	// retry until the participant acknowledges.
	CommitMaxAttempts int `yaml:"commitMaxAttempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Bus: BusConfig{
			DispatchBuffer:   4096,
			SubscriberQueue:  256,
			HandoffTimeout:   25 * time.Millisecond,
			MaxRetries:       3,
			RetryInitial:     250 * time.Millisecond,
			RetryMax:         30 * time.Second,
			DeadLetterMax:    1000,
			DedupeTTL:        24 * time.Hour,
			DefaultSource:    "core",
			ShutdownDeadline: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:          "memory",
			EventsTable:      "coreevents",
			SnapshotEvery:    100,
			DefaultReadLimit: 100,
			RebuildCacheTTL:  5 * time.Minute,
			UpdatesChannel:   "core:store:updates",
		},
		Mesh: MeshConfig{
			CallTimeout:       10 * time.Second,
			FailureThreshold:  5,
			FailureWindow:     time.Minute,
			CooldownPeriod:    30 * time.Second,
			HalfOpenMaxCalls:  3,
			SuccessThreshold:  2,
			RegistryKeyPrefix: "core:mesh:services",
		},
		Tx: TxConfig{
			PrepareTimeout:     15 * time.Second,
			CommitRetryInitial: 250 * time.Millisecond,
			CommitRetryMax:     15 * time.Second,
		},
	}
}

// FromEnv loads the optional YAML file named by CORE_CONFIG and applies
// environment overrides on top of the defaults.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CORE_CONFIG"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = envString("LISTEN_ADDR", cfg.Server.ListenAddr)

	cfg.Bus.DispatchBuffer = envInt("BUS_DISPATCH_BUFFER", cfg.Bus.DispatchBuffer)
	cfg.Bus.SubscriberQueue = envInt("BUS_SUBSCRIBER_QUEUE", cfg.Bus.SubscriberQueue)
	cfg.Bus.HandoffTimeout = envDur("BUS_HANDOFF_TIMEOUT", cfg.Bus.HandoffTimeout)
	cfg.Bus.MaxRetries = envInt("BUS_MAX_RETRIES", cfg.Bus.MaxRetries)
	cfg.Bus.RetryInitial = envDur("BUS_RETRY_INITIAL", cfg.Bus.RetryInitial)
	cfg.Bus.RetryMax = envDur("BUS_RETRY_MAX", cfg.Bus.RetryMax)
	cfg.Bus.DeadLetterMax = envInt("BUS_DEAD_LETTER_MAX", cfg.Bus.DeadLetterMax)
	cfg.Bus.DeadLetterQueue = envString("BUS_DEAD_LETTER_QUEUE", cfg.Bus.DeadLetterQueue)
	cfg.Bus.DedupeTTL = envDur("BUS_DEDUPE_TTL", cfg.Bus.DedupeTTL)
	cfg.Bus.DefaultSource = envString("BUS_SOURCE", cfg.Bus.DefaultSource)

	cfg.Store.Backend = envString("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.ConnectionString = envString("STORAGE_CONNECTION_STRING", cfg.Store.ConnectionString)
	cfg.Store.EventsTable = envString("EVENTS_TABLE", cfg.Store.EventsTable)
	cfg.Store.SnapshotEvery = int64(envInt("STORE_SNAPSHOT_EVERY", int(cfg.Store.SnapshotEvery)))
	cfg.Store.DefaultReadLimit = envInt("STORE_READ_LIMIT", cfg.Store.DefaultReadLimit)
	cfg.Store.RebuildCacheTTL = envDur("STORE_REBUILD_CACHE_TTL", cfg.Store.RebuildCacheTTL)
	cfg.Store.UpdatesChannel = envString("STORE_UPDATES_CHANNEL", cfg.Store.UpdatesChannel)

	cfg.Mesh.CallTimeout = envDur("MESH_CALL_TIMEOUT", cfg.Mesh.CallTimeout)
	cfg.Mesh.FailureThreshold = envInt("MESH_FAILURE_THRESHOLD", cfg.Mesh.FailureThreshold)
	cfg.Mesh.FailureWindow = envDur("MESH_FAILURE_WINDOW", cfg.Mesh.FailureWindow)
	cfg.Mesh.CooldownPeriod = envDur("MESH_COOLDOWN", cfg.Mesh.CooldownPeriod)
	cfg.Mesh.HalfOpenMaxCalls = envInt("MESH_HALF_OPEN_MAX", cfg.Mesh.HalfOpenMaxCalls)
	cfg.Mesh.SuccessThreshold = envInt("MESH_SUCCESS_THRESHOLD", cfg.Mesh.SuccessThreshold)
	cfg.Mesh.SeedFile = envString("MESH_SEED_FILE", cfg.Mesh.SeedFile)

	cfg.Tx.PrepareTimeout = envDur("TX_PREPARE_TIMEOUT", cfg.Tx.PrepareTimeout)
	cfg.Tx.CommitRetryInitial = envDur("TX_COMMIT_RETRY_INITIAL", cfg.Tx.CommitRetryInitial)
	cfg.Tx.CommitRetryMax = envDur("TX_COMMIT_RETRY_MAX", cfg.Tx.CommitRetryMax)
	cfg.Tx.CommitMaxAttempts = envInt("TX_COMMIT_MAX_ATTEMPTS", cfg.Tx.CommitMaxAttempts)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
