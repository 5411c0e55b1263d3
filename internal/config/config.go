// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// JobKinds enumerates the closed set of job kinds the core dispatches.
var JobKinds = []string{"image-from-text", "video-from-image"}

type ComfyUI struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Distributed struct {
	Enabled      bool          `mapstructure:"enabled"`
	FileCacheTTL time.Duration `mapstructure:"file_cache_ttl"`
	FileCacheMax int           `mapstructure:"file_cache_max_entries"`
}

type NodeDecl struct {
	ID            string            `mapstructure:"id"`
	Host          string            `mapstructure:"host"`
	Port          int               `mapstructure:"port"`
	MaxConcurrent int               `mapstructure:"max_concurrent"`
	Capabilities  []string          `mapstructure:"capabilities"`
	Metadata      map[string]string `mapstructure:"metadata"`
}

type HealthCheck struct {
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type LoadBalancing struct {
	Strategy string `mapstructure:"strategy"`
}

type Nodes struct {
	DiscoveryMode string        `mapstructure:"discovery_mode"` // static is the only mode implemented; dynamic|hybrid are rejected at Validate
	StaticNodes   []NodeDecl    `mapstructure:"static_nodes"`
	HealthCheck   HealthCheck   `mapstructure:"health_check"`
	LoadBalancing LoadBalancing `mapstructure:"load_balancing"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Queue struct {
	KeyPrefix         string        `mapstructure:"key_prefix"`
	BPopTimeout       time.Duration `mapstructure:"bpop_timeout"`
	MaxSubmitAttempts int           `mapstructure:"max_submit_attempts"`
}

type Worker struct {
	CountPerKind      map[string]int           `mapstructure:"count_per_kind"`
	Backoff           Backoff                  `mapstructure:"backoff"`
	MonitorDeadline   map[string]time.Duration `mapstructure:"monitor_deadline"`
	NodeSelectBackoff Backoff                  `mapstructure:"node_select_backoff"`
	NodeSelectCap     time.Duration            `mapstructure:"node_select_cap"`
}

// Reaper governs the background sweep that requeues jobs abandoned by a
// worker that died mid-processing (its BRPOPLPUSH processing list is
// never drained by an Ack or a retry).
type Reaper struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type JobStore struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite
	DSN    string `mapstructure:"dsn"`
}

type UploadsS3 struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type UploadsJanitor struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	Sweep   time.Duration `mapstructure:"sweep_interval"`
}

type Uploads struct {
	Dir       string         `mapstructure:"dir"`
	Backend   string         `mapstructure:"backend"` // local | s3
	S3        UploadsS3      `mapstructure:"s3"`
	MaxSizeMB int            `mapstructure:"max_size_mb"`
	Janitor   UploadsJanitor `mapstructure:"janitor"`
}

type Auth struct {
	DownloadTokenSecret string        `mapstructure:"download_token_secret"`
	DownloadTokenTTL    time.Duration `mapstructure:"download_token_ttl"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type NATS struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type HTTP struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	PublicBaseURL   string        `mapstructure:"public_base_url"` // how a backend node reaches this service to fetch upload bytes
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadMB     int           `mapstructure:"max_upload_mb"`
}

type Config struct {
	ComfyUI       ComfyUI       `mapstructure:"comfyui"`
	Distributed   Distributed   `mapstructure:"distributed"`
	Nodes         Nodes         `mapstructure:"nodes"`
	Redis         Redis         `mapstructure:"redis"`
	Queue         Queue         `mapstructure:"queue"`
	Worker        Worker        `mapstructure:"worker"`
	Reaper        Reaper        `mapstructure:"reaper"`
	JobStore      JobStore      `mapstructure:"job_store"`
	Uploads       Uploads       `mapstructure:"uploads"`
	Auth          Auth          `mapstructure:"auth"`
	Observability Observability `mapstructure:"observability"`
	NATS          NATS          `mapstructure:"nats"`
	HTTP          HTTP          `mapstructure:"http"`
	TemplatesDir  string        `mapstructure:"templates_dir"`
}

// FleetMode reports whether the orchestrator dispatches across a fleet
// of nodes or talks to a single ComfyUI-style endpoint.
func (c *Config) FleetMode() bool {
	return c.Distributed.Enabled
}

func defaultConfig() *Config {
	return &Config{
		ComfyUI: ComfyUI{Host: "127.0.0.1", Port: 8188, Timeout: 300 * time.Second},
		Distributed: Distributed{
			Enabled:      false,
			FileCacheTTL: 30 * time.Second,
			FileCacheMax: 256,
		},
		Nodes: Nodes{
			DiscoveryMode: "static",
			HealthCheck: HealthCheck{
				Interval:         30 * time.Second,
				Timeout:          5 * time.Second,
				HeartbeatTimeout: 60 * time.Second,
			},
			LoadBalancing: LoadBalancing{Strategy: "least_loaded"},
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			KeyPrefix:         "orchestrator:queue",
			BPopTimeout:       1 * time.Second,
			MaxSubmitAttempts: 3,
		},
		Worker: Worker{
			CountPerKind: map[string]int{"image-from-text": 8, "video-from-image": 4},
			Backoff:      Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			MonitorDeadline: map[string]time.Duration{
				"image-from-text":  2 * time.Minute,
				"video-from-image": 20 * time.Minute,
			},
			NodeSelectBackoff: Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second},
			NodeSelectCap:     30 * time.Second,
		},
		Reaper: Reaper{Interval: 15 * time.Second, StaleAfter: 5 * time.Minute},
		JobStore: JobStore{Driver: "sqlite", DSN: "orchestrator.db"},
		Uploads: Uploads{
			Dir:       "./data/uploads",
			Backend:   "local",
			MaxSizeMB: 64,
			Janitor:   UploadsJanitor{Enabled: false, MaxAge: 30 * 24 * time.Hour, Sweep: 1 * time.Hour},
		},
		Auth: Auth{DownloadTokenTTL: 10 * time.Minute},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false},
		},
		TemplatesDir: "./data/templates",
		HTTP: HTTP{
			ListenAddr:      ":8080",
			PublicBaseURL:   "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // artifact/video streaming can run long; no write deadline
			ShutdownTimeout: 10 * time.Second,
			MaxUploadMB:     64,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("comfyui.host", def.ComfyUI.Host)
	v.SetDefault("comfyui.port", def.ComfyUI.Port)
	v.SetDefault("comfyui.timeout", def.ComfyUI.Timeout)

	v.SetDefault("distributed.enabled", def.Distributed.Enabled)
	v.SetDefault("distributed.file_cache_ttl", def.Distributed.FileCacheTTL)
	v.SetDefault("distributed.file_cache_max_entries", def.Distributed.FileCacheMax)

	v.SetDefault("nodes.discovery_mode", def.Nodes.DiscoveryMode)
	v.SetDefault("nodes.health_check.interval", def.Nodes.HealthCheck.Interval)
	v.SetDefault("nodes.health_check.timeout", def.Nodes.HealthCheck.Timeout)
	v.SetDefault("nodes.health_check.heartbeat_timeout", def.Nodes.HealthCheck.HeartbeatTimeout)
	v.SetDefault("nodes.load_balancing.strategy", def.Nodes.LoadBalancing.Strategy)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.key_prefix", def.Queue.KeyPrefix)
	v.SetDefault("queue.bpop_timeout", def.Queue.BPopTimeout)
	v.SetDefault("queue.max_submit_attempts", def.Queue.MaxSubmitAttempts)

	v.SetDefault("worker.count_per_kind", def.Worker.CountPerKind)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.monitor_deadline", def.Worker.MonitorDeadline)
	v.SetDefault("worker.node_select_backoff.base", def.Worker.NodeSelectBackoff.Base)
	v.SetDefault("worker.node_select_backoff.max", def.Worker.NodeSelectBackoff.Max)
	v.SetDefault("worker.node_select_cap", def.Worker.NodeSelectCap)
	v.SetDefault("reaper.interval", def.Reaper.Interval)
	v.SetDefault("reaper.stale_after", def.Reaper.StaleAfter)

	v.SetDefault("job_store.driver", def.JobStore.Driver)
	v.SetDefault("job_store.dsn", def.JobStore.DSN)

	v.SetDefault("uploads.dir", def.Uploads.Dir)
	v.SetDefault("uploads.backend", def.Uploads.Backend)
	v.SetDefault("uploads.max_size_mb", def.Uploads.MaxSizeMB)
	v.SetDefault("uploads.janitor.enabled", def.Uploads.Janitor.Enabled)
	v.SetDefault("uploads.janitor.max_age", def.Uploads.Janitor.MaxAge)
	v.SetDefault("uploads.janitor.sweep_interval", def.Uploads.Janitor.Sweep)

	v.SetDefault("auth.download_token_ttl", def.Auth.DownloadTokenTTL)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	v.SetDefault("templates_dir", def.TemplatesDir)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.public_base_url", def.HTTP.PublicBaseURL)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", def.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_upload_mb", def.HTTP.MaxUploadMB)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	knownKinds := map[string]bool{}
	for _, k := range JobKinds {
		knownKinds[k] = true
	}

	if !cfg.Distributed.Enabled {
		if cfg.ComfyUI.Host == "" {
			return fmt.Errorf("comfyui.host must be set in single-node mode")
		}
		if cfg.ComfyUI.Port <= 0 || cfg.ComfyUI.Port > 65535 {
			return fmt.Errorf("comfyui.port must be 1..65535, got %d", cfg.ComfyUI.Port)
		}
	} else {
		switch cfg.Nodes.DiscoveryMode {
		case "static":
			if len(cfg.Nodes.StaticNodes) == 0 {
				return fmt.Errorf("nodes.static_nodes must be non-empty when discovery_mode=static")
			}
		case "dynamic", "hybrid":
			return fmt.Errorf("nodes.discovery_mode %q is not implemented; only static is supported", cfg.Nodes.DiscoveryMode)
		default:
			return fmt.Errorf("nodes.discovery_mode must be one of static|dynamic|hybrid, got %q", cfg.Nodes.DiscoveryMode)
		}

		seen := map[string]bool{}
		for i, n := range cfg.Nodes.StaticNodes {
			if n.ID == "" {
				return fmt.Errorf("nodes.static_nodes[%d].id must be set", i)
			}
			if seen[n.ID] {
				return fmt.Errorf("nodes.static_nodes[%d].id %q is duplicated", i, n.ID)
			}
			seen[n.ID] = true
			if n.Host == "" {
				return fmt.Errorf("nodes.static_nodes[%d] (%s): host must be set", i, n.ID)
			}
			if n.Port <= 0 || n.Port > 65535 {
				return fmt.Errorf("nodes.static_nodes[%d] (%s): port must be 1..65535, got %d", i, n.ID, n.Port)
			}
			if n.MaxConcurrent < 1 {
				return fmt.Errorf("nodes.static_nodes[%d] (%s): max_concurrent must be >= 1", i, n.ID)
			}
			for _, c := range n.Capabilities {
				if !knownKinds[c] {
					return fmt.Errorf("nodes.static_nodes[%d] (%s): unknown capability %q", i, n.ID, c)
				}
			}
		}

		switch cfg.Nodes.LoadBalancing.Strategy {
		case "round_robin", "least_loaded", "weighted", "random", "priority_based":
		default:
			return fmt.Errorf("nodes.load_balancing.strategy unknown: %q", cfg.Nodes.LoadBalancing.Strategy)
		}
	}

	for kind, n := range cfg.Worker.CountPerKind {
		if !knownKinds[kind] {
			return fmt.Errorf("worker.count_per_kind references unknown job kind %q", kind)
		}
		if n < 1 {
			return fmt.Errorf("worker.count_per_kind[%s] must be >= 1", kind)
		}
	}

	switch cfg.JobStore.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("job_store.driver must be postgres|sqlite, got %q", cfg.JobStore.Driver)
	}
	if cfg.JobStore.DSN == "" {
		return fmt.Errorf("job_store.dsn must be set")
	}

	switch cfg.Uploads.Backend {
	case "local":
		if cfg.Uploads.Dir == "" {
			return fmt.Errorf("uploads.dir must be set for backend=local")
		}
	case "s3":
		if cfg.Uploads.S3.Bucket == "" {
			return fmt.Errorf("uploads.s3.bucket must be set for backend=s3")
		}
	default:
		return fmt.Errorf("uploads.backend must be local|s3, got %q", cfg.Uploads.Backend)
	}

	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}

	return nil
}
