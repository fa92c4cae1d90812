package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Config holds application configuration.
type Config struct {
	Port            int           `toml:"port" yaml:"port"`
	DBPath          string        `toml:"db_path" yaml:"db_path"`
	DownloadDir     string        `toml:"download_dir" yaml:"download_dir"`
	Concurrency     int           `toml:"concurrency" yaml:"concurrency"`
	MaxAttempts     int           `toml:"max_attempts" yaml:"max_attempts"`
	Heartbeat       time.Duration `toml:"heartbeat" yaml:"heartbeat"`
	AllowFileURLs   bool          `toml:"allow_file_urls" yaml:"allow_file_urls"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	// SubmitSecret, when set, requires signed POST /jobs requests.
	SubmitSecret string `toml:"submit_secret" yaml:"submit_secret"`

	Log     LogConfig     `toml:"log" yaml:"log"`
	Redis   RedisConfig   `toml:"redis" yaml:"redis"`
	S3      S3Config      `toml:"s3" yaml:"s3"`
	Torrent TorrentConfig `toml:"torrent" yaml:"torrent"`
	Janitor JanitorConfig `toml:"janitor" yaml:"janitor"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type RedisConfig struct {
	Addr          string        `toml:"addr" yaml:"addr"`
	Password      string        `toml:"password" yaml:"password"`
	DB            int           `toml:"db" yaml:"db"`
	InboundTopic  string        `toml:"inbound_topic" yaml:"inbound_topic"`
	OutboundTopic string        `toml:"outbound_topic" yaml:"outbound_topic"`
	LeaseTTL      time.Duration `toml:"lease_ttl" yaml:"lease_ttl"`
	ReapInterval  time.Duration `toml:"reap_interval" yaml:"reap_interval"`
}

type S3Config struct {
	Endpoint      string `toml:"endpoint" yaml:"endpoint"`
	Region        string `toml:"region" yaml:"region"`
	AccessKey     string `toml:"access_key" yaml:"access_key"`
	SecretKey     string `toml:"secret_key" yaml:"secret_key"`
	UseSSL        bool   `toml:"use_ssl" yaml:"use_ssl"`
	StagingBucket string `toml:"staging_bucket" yaml:"staging_bucket"`
}

type TorrentConfig struct {
	// DataDir holds the engine's piece-completion state. It must live
	// outside DownloadDir, which the janitor sweeps.
	DataDir          string        `toml:"data_dir" yaml:"data_dir"`
	ListenPort       int           `toml:"listen_port" yaml:"listen_port"`
	MetadataTimeout  time.Duration `toml:"metadata_timeout" yaml:"metadata_timeout"`
	ProgressInterval time.Duration `toml:"progress_interval" yaml:"progress_interval"`
	StallInterval    time.Duration `toml:"stall_interval" yaml:"stall_interval"`
}

type JanitorConfig struct {
	Schedule string        `toml:"schedule" yaml:"schedule"`
	MaxAge   time.Duration `toml:"max_age" yaml:"max_age"`
}

func cacheDir() string {
	dir := os.Getenv("XDG_CACHE_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "fetcher")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	return filepath.Join(cacheDir(), "jobs.db")
}

// DefaultTorrentDataDir returns the default torrent engine state directory.
func DefaultTorrentDataDir() string {
	return filepath.Join(cacheDir(), "torrent")
}

// DefaultDownloadDir returns the default transient download directory.
func DefaultDownloadDir() string {
	return filepath.Join(os.TempDir(), "fetcher", "downloads")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:            3401,
		DBPath:          DefaultDBPath(),
		DownloadDir:     DefaultDownloadDir(),
		Concurrency:     1,
		MaxAttempts:     3,
		Heartbeat:       30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Log:             LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			InboundTopic:  "newMedia",
			OutboundTopic: "convert",
			LeaseTTL:      2 * time.Minute,
			ReapInterval:  time.Minute,
		},
		S3: S3Config{
			Endpoint:      "localhost:9000",
			Region:        "us-east-1",
			StagingBucket: "triton-staging",
		},
		Torrent: TorrentConfig{
			DataDir:          DefaultTorrentDataDir(),
			ListenPort:       42069,
			MetadataTimeout:  240 * time.Second,
			ProgressInterval: 30 * time.Second,
			StallInterval:    240 * time.Second,
		},
		Janitor: JanitorConfig{Schedule: "@every 1h", MaxAge: 24 * time.Hour},
	}
}

// Load builds Config from defaults, then the config file named by -config
// or FETCHER_CONFIG, then flags, then environment overrides.
func Load(args []string) (*Config, error) {
	cfg := Default()

	path := configPath(args)
	if path == "" {
		path = os.Getenv("FETCHER_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet("fetcher", flag.ContinueOnError)
	fs.String("config", path, "Config file (.toml, .yaml)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite status ledger path")
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "Transient download directory")
	fs.StringVar(&cfg.Torrent.DataDir, "torrent-data-dir", cfg.Torrent.DataDir, "Torrent engine state directory")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Jobs processed in parallel")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Deliveries before a failing message is dropped")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Lease renewal interval")
	fs.BoolVar(&cfg.AllowFileURLs, "allow-file-urls", cfg.AllowFileURLs, "Accept file:// sources")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Grace period for in-flight jobs")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (json, console)")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address")
	fs.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "S3 endpoint")
	fs.StringVar(&cfg.S3.StagingBucket, "staging-bucket", cfg.S3.StagingBucket, "Staging bucket")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.S3.StagingBucket == "":
		return fmt.Errorf("staging bucket is required")
	case c.Redis.InboundTopic == "" || c.Redis.OutboundTopic == "":
		return fmt.Errorf("inbound and outbound topics are required")
	case c.Torrent.DataDir == "":
		return fmt.Errorf("torrent data dir is required")
	case within(c.DownloadDir, c.Torrent.DataDir):
		return fmt.Errorf("torrent data dir %s must not be inside download dir %s", c.Torrent.DataDir, c.DownloadDir)
	}
	return nil
}

// within reports whether dir is parent or lies beneath it.
func within(parent, dir string) bool {
	rel, err := filepath.Rel(parent, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func configPath(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format", path)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	// Env overrides
	if port := os.Getenv("FETCHER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("FETCHER_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("FETCHER_DOWNLOAD_DIR"); dir != "" {
		cfg.DownloadDir = dir
	}
	if dir := os.Getenv("FETCHER_TORRENT_DATA_DIR"); dir != "" {
		cfg.Torrent.DataDir = dir
	}
	if v := os.Getenv("ALLOW_FILE_URLS"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_FILE_URLS: %w", err)
		}
		cfg.AllowFileURLs = allow
	}
	if secret := os.Getenv("FETCHER_SUBMIT_SECRET"); secret != "" {
		cfg.SubmitSecret = secret
	}
	if level := os.Getenv("FETCHER_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if addr := os.Getenv("FETCHER_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("FETCHER_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if ep := os.Getenv("FETCHER_S3_ENDPOINT"); ep != "" {
		cfg.S3.Endpoint = ep
	}
	if ak := os.Getenv("FETCHER_S3_ACCESS_KEY"); ak != "" {
		cfg.S3.AccessKey = ak
	}
	if sk := os.Getenv("FETCHER_S3_SECRET_KEY"); sk != "" {
		cfg.S3.SecretKey = sk
	}
	return nil
}
