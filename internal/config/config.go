// Package config loads process settings from an optional YAML settings file
// and the environment. Environment values win over the file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Modes accepted by Validate.
const (
	ModeScan      = "scan"
	ModePartition = "partition"
	ModeLoad      = "load"
	ModeWorkflow  = "workflow"
)

type Config struct {
	Platform   PlatformConfig   `yaml:"platform"`
	Load       LoadConfig       `yaml:"load"`
	Workloads  WorkloadsConfig  `yaml:"workloads"`
	Connection ConnectionConfig `yaml:"connection"`
	Request    RequestConfig    `yaml:"request"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Records    StorageConfig    `yaml:"records"`
	Source     SourceConfig     `yaml:"source"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`

	// WorkflowRecord is the manifest key a workflow container processes.
	WorkflowRecord string `yaml:"-"`
}

type PlatformConfig struct {
	Name          string        `yaml:"name"`
	DataPartition string        `yaml:"-"` // "<name>-opendes"
	Tenant        string        `yaml:"tenant"`
	Client        string        `yaml:"client"`
	Secret        string        `yaml:"-"`
	TokenURL      string        `yaml:"token_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LoadConfig struct {
	BatchMultiplier int           `yaml:"batch_multiplier"`
	ContainerCount  int           `yaml:"container_count"`
	MinPerBucket    int           `yaml:"min_per_bucket"`
	Table           string        `yaml:"storage_table"`
	PartitionKey    string        `yaml:"storage_table_partition"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout"`
	RetryChunk      bool          `yaml:"retry_chunk"`
	FetchWorkers    int           `yaml:"fetch_workers"`
}

type WorkloadsConfig struct {
	WorkPath          string `yaml:"work_path"`
	MetaPath          string `yaml:"meta_path"`
	ReportPath        string `yaml:"report_path"`
	ReportCompression string `yaml:"report_compression"`
}

// ConnectionConfig holds platform endpoint templates. "{}" is replaced by
// the platform name.
type ConnectionConfig struct {
	StorageURL string `yaml:"storage_url"`
	FileURL    string `yaml:"file_url"`
}

// RequestConfig holds the retry policy and the access templates. "{}" in the
// templates is replaced by the data partition.
type RequestConfig struct {
	LegalTag  string `yaml:"legal_tag"`
	ACLOwner  string `yaml:"acl_owner"`
	ACLViewer string `yaml:"acl_viewer"`

	MaxAttempts          int           `yaml:"max_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	Step                 time.Duration `yaml:"step"`
	ColdStartPause       time.Duration `yaml:"cold_start_pause"`
	AllowConnectionRetry bool          `yaml:"connection_retry"`
	RateLimit            float64       `yaml:"rate_limit"`
	RateBurst            int           `yaml:"rate_burst"`

	// Throughput is the assumed copy rate in MiB/s.
	Throughput float64 `yaml:"throughput"`
}

type LedgerConfig struct {
	Backend  string `yaml:"backend"` // "postgres" | "memory"
	DSN      string `yaml:"-"`
	MaxConns int32  `yaml:"max_conns"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3" | "azure" | "mem"
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	LocalDir string `yaml:"local_dir"`
}

// SourcePath selects files in one source directory.
type SourcePath struct {
	Path       string
	Extensions []string
}

type SourceConfig struct {
	Storage       StorageConfig `yaml:"storage"`
	LocatorExpiry time.Duration `yaml:"locator_expiry"`
	Map           string        `yaml:"map"`
	Paths         []SourcePath  `yaml:"-"`
}

type DispatchConfig struct {
	Backend  string `yaml:"backend"` // "redis" | "none"
	URL      string `yaml:"url"`
	Password string `yaml:"-"`
	Key      string `yaml:"key"`
}

type CheckpointConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Format   string `yaml:"format"`
	Level    string `yaml:"level"`
	Identity string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			Timeout: 30 * time.Second,
		},
		Load: LoadConfig{
			BatchMultiplier: 1,
			ContainerCount:  1,
			MinPerBucket:    1000,
			Table:           "records",
			PartitionKey:    "share",
			ChunkTimeout:    600 * time.Second,
			FetchWorkers:    16,
		},
		Workloads: WorkloadsConfig{
			WorkPath:          "workloads",
			MetaPath:          "metadata",
			ReportPath:        "reports",
			ReportCompression: "snappy",
		},
		Connection: ConnectionConfig{
			StorageURL: "https://{}.energy.azure.com/api/storage/v2",
			FileURL:    "https://{}.energy.azure.com/api/file/v2",
		},
		Request: RequestConfig{
			LegalTag:             "{}-public-usa-dataset",
			ACLOwner:             "data.default.owners@{}.dataservices.energy",
			ACLViewer:            "data.default.viewers@{}.dataservices.energy",
			MaxAttempts:          8,
			BaseDelay:            time.Second,
			Step:                 time.Second,
			ColdStartPause:       5 * time.Second,
			AllowConnectionRetry: true,
			Throughput:           1.0,
		},
		Ledger: LedgerConfig{
			Backend:  "postgres",
			MaxConns: 5,
		},
		Records: StorageConfig{
			Backend:  "local",
			LocalDir: "./data/records",
		},
		Source: SourceConfig{
			Storage: StorageConfig{
				Backend:  "local",
				LocalDir: "./data/share",
			},
			LocatorExpiry: 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Backend: "none",
			Key:     "share-loader:workloads",
		},
		Checkpoint: CheckpointConfig{
			Enabled:    true,
			Dir:        "./data/checkpoints",
			StaleAfter: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "share_loader",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// MustLoad loads the configuration and exits on failure.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Load builds the configuration from defaults, the file named by
// SETTINGS_FILE (if any) and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("SETTINGS_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}

	var errs *multierror.Error
	cfg.applyEnv(&errs)
	if err := errs.ErrorOrNil(); err != nil {
		return cfg, err
	}

	paths, err := ParseSourceMap(cfg.Source.Map)
	if err != nil {
		return cfg, err
	}
	cfg.Source.Paths = paths

	cfg.expandTemplates()
	if cfg.Log.Identity == "" {
		cfg.Log.Identity = uuid.New().String()
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(errs **multierror.Error) {
	e := envReader{errs: errs}

	c.Platform.Name = getenvDefault("DATA_PLATFORM", c.Platform.Name)
	c.Platform.Tenant = getenvDefault("PLATFORM_TENANT", c.Platform.Tenant)
	c.Platform.Client = getenvDefault("PLATFORM_CLIENT", c.Platform.Client)
	c.Platform.Secret = getenvDefault("PLATFORM_SECRET", c.Platform.Secret)
	c.Platform.TokenURL = getenvDefault("PLATFORM_TOKEN_URL", c.Platform.TokenURL)
	c.Platform.Timeout = e.getDuration("PLATFORM_TIMEOUT", c.Platform.Timeout)

	c.Load.BatchMultiplier = e.getInt("BATCH_MULTIPLIER", c.Load.BatchMultiplier)
	c.Load.ContainerCount = e.getInt("CONTAINER_COUNT", c.Load.ContainerCount)
	c.Load.MinPerBucket = e.getInt("MIN_PER_BUCKET", c.Load.MinPerBucket)
	c.Load.Table = getenvDefault("STORAGE_TABLE", c.Load.Table)
	c.Load.PartitionKey = getenvDefault("STORAGE_TABLE_PARTITION", c.Load.PartitionKey)
	c.Load.ChunkTimeout = e.getDuration("CHUNK_TIMEOUT", c.Load.ChunkTimeout)
	c.Load.RetryChunk = e.getBool("RETRY_CHUNK", c.Load.RetryChunk)
	c.Load.FetchWorkers = e.getInt("FETCH_WORKERS", c.Load.FetchWorkers)

	c.Workloads.WorkPath = getenvDefault("WORK_PATH", c.Workloads.WorkPath)
	c.Workloads.MetaPath = getenvDefault("META_PATH", c.Workloads.MetaPath)
	c.Workloads.ReportPath = getenvDefault("REPORT_PATH", c.Workloads.ReportPath)
	c.Workloads.ReportCompression = getenvDefault("REPORT_COMPRESSION", c.Workloads.ReportCompression)

	c.Connection.StorageURL = getenvDefault("STORAGE_URL", c.Connection.StorageURL)
	c.Connection.FileURL = getenvDefault("FILE_URL", c.Connection.FileURL)

	c.Request.LegalTag = getenvDefault("LEGAL_TAG", c.Request.LegalTag)
	c.Request.ACLOwner = getenvDefault("ACL_OWNER", c.Request.ACLOwner)
	c.Request.ACLViewer = getenvDefault("ACL_VIEWER", c.Request.ACLViewer)
	c.Request.MaxAttempts = e.getInt("REQUEST_MAX_ATTEMPTS", c.Request.MaxAttempts)
	c.Request.BaseDelay = e.getDuration("REQUEST_BASE_DELAY", c.Request.BaseDelay)
	c.Request.Step = e.getDuration("REQUEST_STEP", c.Request.Step)
	c.Request.ColdStartPause = e.getDuration("REQUEST_COLD_START_PAUSE", c.Request.ColdStartPause)
	c.Request.AllowConnectionRetry = e.getBool("REQUEST_CONNECTION_RETRY", c.Request.AllowConnectionRetry)
	c.Request.RateLimit = e.getFloat("REQUEST_RATE_LIMIT", c.Request.RateLimit)
	c.Request.RateBurst = e.getInt("REQUEST_RATE_BURST", c.Request.RateBurst)
	c.Request.Throughput = e.getFloat("TRANSFER_THROUGHPUT", c.Request.Throughput)

	c.Ledger.Backend = getenvDefault("LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.DSN = getenvDefault("LEDGER_DSN", c.Ledger.DSN)
	c.Ledger.MaxConns = int32(e.getInt("LEDGER_MAX_CONNS", int(c.Ledger.MaxConns)))

	c.Records.Backend = getenvDefault("RECORD_STORAGE_BACKEND", c.Records.Backend)
	c.Records.Bucket = getenvDefault("RECORD_STORAGE_BUCKET", c.Records.Bucket)
	c.Records.Prefix = getenvDefault("RECORD_STORAGE_PREFIX", c.Records.Prefix)
	c.Records.LocalDir = getenvDefault("RECORD_LOCAL_DIR", c.Records.LocalDir)

	c.Source.Storage.Backend = getenvDefault("DATA_SOURCE_BACKEND", c.Source.Storage.Backend)
	c.Source.Storage.Bucket = getenvDefault("DATA_SOURCE_BUCKET", c.Source.Storage.Bucket)
	c.Source.Storage.Prefix = getenvDefault("DATA_SOURCE_PREFIX", c.Source.Storage.Prefix)
	c.Source.Storage.LocalDir = getenvDefault("DATA_SOURCE_LOCAL_DIR", c.Source.Storage.LocalDir)
	c.Source.LocatorExpiry = e.getDuration("LOCATOR_EXPIRY", c.Source.LocatorExpiry)
	c.Source.Map = getenvDefault("DATA_SOURCE_MAP", c.Source.Map)

	c.Dispatch.Backend = getenvDefault("DISPATCH_BACKEND", c.Dispatch.Backend)
	c.Dispatch.URL = getenvDefault("REDIS_URL", c.Dispatch.URL)
	c.Dispatch.Password = getenvDefault("REDIS_PASSWORD", c.Dispatch.Password)
	c.Dispatch.Key = getenvDefault("DISPATCH_KEY", c.Dispatch.Key)

	c.Checkpoint.Enabled = e.getBool("CHECKPOINT_ENABLED", c.Checkpoint.Enabled)
	c.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Checkpoint.StaleAfter = e.getDuration("CHECKPOINT_STALE_AFTER", c.Checkpoint.StaleAfter)

	c.Metrics.Enabled = e.getBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getenvDefault("METRICS_ADDR", c.Metrics.Address)
	c.Metrics.Namespace = getenvDefault("METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Log.Format = getenvDefault("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Identity = getenvDefault("LOG_IDENTITY", c.Log.Identity)

	c.WorkflowRecord = getenvDefault("WORKFLOW_RECORD", c.WorkflowRecord)
}

// expandTemplates fills "{}" placeholders once the platform name is known.
func (c *Config) expandTemplates() {
	if c.Platform.Name == "" {
		return
	}
	c.Platform.DataPartition = c.Platform.Name + "-opendes"

	c.Connection.StorageURL = fill(c.Connection.StorageURL, c.Platform.Name)
	c.Connection.FileURL = fill(c.Connection.FileURL, c.Platform.Name)

	c.Request.LegalTag = fill(c.Request.LegalTag, c.Platform.DataPartition)
	c.Request.ACLOwner = fill(c.Request.ACLOwner, c.Platform.DataPartition)
	c.Request.ACLViewer = fill(c.Request.ACLViewer, c.Platform.DataPartition)
}

func fill(template, value string) string {
	return strings.ReplaceAll(template, "{}", value)
}

// ParseSourceMap parses "path:ext||path:ext". Extensions for the same path
// are merged in order of appearance. Entries without exactly one ':' are
// rejected.
func ParseSourceMap(raw string) ([]SourcePath, error) {
	var paths []SourcePath
	index := make(map[string]int)

	for _, part := range strings.Split(raw, "||") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("invalid DATA_SOURCE_MAP entry %q: want path:ext", part)
		}

		path, ext := fields[0], fields[1]
		i, ok := index[path]
		if !ok {
			i = len(paths)
			index[path] = i
			paths = append(paths, SourcePath{Path: path})
		}
		paths[i].Extensions = append(paths[i].Extensions, ext)
	}
	return paths, nil
}

// Validate checks the settings each command needs.
func (c Config) Validate(mode string) error {
	var errs *multierror.Error
	require := func(ok bool, name string) {
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s is required for %s", name, mode))
		}
	}

	switch mode {
	case ModeScan, ModePartition, ModeLoad, ModeWorkflow:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	require(c.Load.Table != "", "STORAGE_TABLE")
	if c.Ledger.Backend == "postgres" {
		require(c.Ledger.DSN != "", "LEDGER_DSN")
	}
	if c.Dispatch.Backend == "redis" {
		require(c.Dispatch.URL != "", "REDIS_URL")
	}

	if mode == ModeScan || mode == ModeLoad {
		require(c.Platform.Name != "", "DATA_PLATFORM")
		require(len(c.Source.Paths) > 0, "DATA_SOURCE_MAP")
		require(c.Workloads.MetaPath != "", "META_PATH")
	}
	if mode == ModePartition || mode == ModeLoad {
		require(c.Load.ContainerCount > 0, "CONTAINER_COUNT")
		require(c.Workloads.WorkPath != "", "WORK_PATH")
	}
	if mode == ModeWorkflow {
		require(c.Platform.Name != "", "DATA_PLATFORM")
		require(c.WorkflowRecord != "" || c.Dispatch.Backend == "redis", "WORKFLOW_RECORD")
		require(c.Platform.Client == "" || c.Platform.Secret != "", "PLATFORM_SECRET")
		require(c.Platform.Client == "" || c.Platform.Tenant != "" || c.Platform.TokenURL != "", "PLATFORM_TENANT")
	}

	return errs.ErrorOrNil()
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// envReader parses typed environment values, collecting parse failures.
type envReader struct {
	errs **multierror.Error
}

func (e envReader) fail(key, val string, err error) {
	*e.errs = multierror.Append(*e.errs, fmt.Errorf("invalid %s=%q: %w", key, val, err))
}

func (e envReader) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e envReader) getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e envReader) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e envReader) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		secs, serr := strconv.ParseFloat(v, 64)
		if serr != nil {
			e.fail(key, v, err)
			return def
		}
		return time.Duration(secs * float64(time.Second))
	}
	return parsed
}
