// Package config provides configuration management for scenesplit.
// Configuration is loaded from an optional YAML file, then environment
// variables, with sensible defaults for everything.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".scenesplit"

	// In-memory job history; set EnvDBPath to keep it across restarts.
	DefaultDBPath = ":memory:"

	DefaultMaxVideoSize = 2000 * 1024 * 1024 // 2000 MiB
	DefaultMaxDuration  = time.Hour
	DefaultQuotaBytes   = 10 * 1024 * 1024 * 1024 // 10 GiB
	DefaultMinFreeBytes = 512 * 1024 * 1024

	DefaultMinSceneLength = 2.0  // seconds
	DefaultThreshold      = 27.0 // content detector threshold

	DefaultMaxConcurrentJobs         = 4
	DefaultMaxConcurrentPerRequester = 1

	DefaultAcquireTimeout  = 10 * time.Minute
	DefaultDetectTimeout   = 10 * time.Minute
	DefaultSegmentTimeout  = 10 * time.Minute
	DefaultAssembleTimeout = 2 * time.Minute

	DefaultAcquireAttempts = 3
	DefaultSegmentAttempts = 2
	DefaultRetryBackoff    = 2 * time.Second

	DefaultSweepInterval   = 10 * time.Minute
	DefaultSweepAge        = 2 * time.Hour
	DefaultRecordGrace     = 10 * time.Minute
	DefaultOutboxRetention = 24 * time.Hour

	// Environment variable names
	EnvConfigFile = "SCENESPLIT_CONFIG"
	EnvPort       = "SCENESPLIT_PORT"
	EnvLogLevel   = "SCENESPLIT_LOG_LEVEL"
	EnvDataDir    = "SCENESPLIT_DATA_DIR"
	EnvTempDir    = "SCENESPLIT_TEMP_DIR"
	EnvOutputDir  = "SCENESPLIT_OUTPUT_DIR"
	EnvDBPath     = "SCENESPLIT_DB_PATH"
	EnvAuthToken  = "SCENESPLIT_AUTH_TOKEN"
	EnvRedisURL   = "SCENESPLIT_REDIS_URL"

	EnvWebhookURL   = "SCENESPLIT_WEBHOOK_URL"
	EnvWebhookToken = "SCENESPLIT_WEBHOOK_TOKEN"

	EnvMaxVideoSize = "SCENESPLIT_MAX_VIDEO_SIZE"
	EnvMaxDuration  = "SCENESPLIT_MAX_DURATION"
	EnvQuotaBytes   = "SCENESPLIT_QUOTA"
	EnvMinFreeBytes = "SCENESPLIT_MIN_FREE"

	EnvMinSceneLength = "SCENESPLIT_MIN_SCENE_LENGTH"
	EnvThreshold      = "SCENESPLIT_THRESHOLD"
	EnvEdgeMargin     = "SCENESPLIT_EDGE_MARGIN"
	EnvMergeGap       = "SCENESPLIT_MERGE_GAP"

	EnvMaxConcurrentJobs         = "SCENESPLIT_MAX_CONCURRENT_JOBS"
	EnvMaxConcurrentPerRequester = "SCENESPLIT_MAX_CONCURRENT_PER_REQUESTER"

	EnvFFmpegPath  = "SCENESPLIT_FFMPEG"
	EnvFFprobePath = "SCENESPLIT_FFPROBE"
	EnvYtDlpPath   = "SCENESPLIT_YTDLP"
	EnvPythonPath  = "SCENESPLIT_PYTHON"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	TempDir() string
	OutputDir() string
	DBPath() string
	AuthToken() string
	RedisURL() string
	WebhookURL() string
	WebhookToken() string

	MaxVideoSize() int64
	MaxDuration() time.Duration
	QuotaBytes() int64
	MinFreeBytes() int64

	MinSceneLength() float64
	Threshold() float64
	EdgeMargin() float64
	MergeGap() float64

	MaxConcurrentJobs() int
	MaxConcurrentPerRequester() int

	AcquireTimeout() time.Duration
	DetectTimeout() time.Duration
	SegmentTimeout() time.Duration
	AssembleTimeout() time.Duration
	AcquireAttempts() int
	SegmentAttempts() int
	RetryBackoff() time.Duration

	SweepInterval() time.Duration
	SweepAge() time.Duration
	RecordGrace() time.Duration
	OutboxRetention() time.Duration

	FFmpegPath() string
	FFprobePath() string
	YtDlpPath() string
	PythonPath() string
}

// EnvConfig reads configuration from a YAML file and environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	tempDir   string
	outputDir string
	dbPath    string
	authToken string
	redisURL  string

	webhookURL   string
	webhookToken string

	maxVideoSize int64
	maxDuration  time.Duration
	quotaBytes   int64
	minFreeBytes int64

	minSceneLength float64
	threshold      float64
	edgeMargin     float64
	mergeGap       float64

	maxConcurrentJobs         int
	maxConcurrentPerRequester int

	acquireTimeout  time.Duration
	detectTimeout   time.Duration
	segmentTimeout  time.Duration
	assembleTimeout time.Duration
	acquireAttempts int
	segmentAttempts int
	retryBackoff    time.Duration

	sweepInterval   time.Duration
	sweepAge        time.Duration
	recordGrace     time.Duration
	outboxRetention time.Duration

	ffmpegPath  string
	ffprobePath string
	ytdlpPath   string
	pythonPath  string
}

// New creates a new EnvConfig with defaults, the optional config file named by
// SCENESPLIT_CONFIG, and environment variable overrides, in that order.
func New() (*EnvConfig, error) {
	return Load(os.Getenv(EnvConfigFile))
}

// Load is New with an explicit config file path. An empty path skips the file.
func Load(path string) (*EnvConfig, error) {
	cfg := defaults()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *EnvConfig {
	dataDir := defaultDataDir()
	return &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  dataDir,
		dbPath:   DefaultDBPath,

		maxVideoSize: DefaultMaxVideoSize,
		maxDuration:  DefaultMaxDuration,
		quotaBytes:   DefaultQuotaBytes,
		minFreeBytes: DefaultMinFreeBytes,

		minSceneLength: DefaultMinSceneLength,
		threshold:      DefaultThreshold,

		maxConcurrentJobs:         DefaultMaxConcurrentJobs,
		maxConcurrentPerRequester: DefaultMaxConcurrentPerRequester,

		acquireTimeout:  DefaultAcquireTimeout,
		detectTimeout:   DefaultDetectTimeout,
		segmentTimeout:  DefaultSegmentTimeout,
		assembleTimeout: DefaultAssembleTimeout,
		acquireAttempts: DefaultAcquireAttempts,
		segmentAttempts: DefaultSegmentAttempts,
		retryBackoff:    DefaultRetryBackoff,

		sweepInterval:   DefaultSweepInterval,
		sweepAge:        DefaultSweepAge,
		recordGrace:     DefaultRecordGrace,
		outboxRetention: DefaultOutboxRetention,

		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		ytdlpPath:   "yt-dlp",
	}
}

// fileConfig mirrors the YAML layout. Sizes accept humanized values ("2GB"),
// durations accept Go duration strings ("10m").
type fileConfig struct {
	Port      *int    `yaml:"port"`
	LogLevel  *string `yaml:"log_level"`
	DataDir   *string `yaml:"data_dir"`
	TempDir   *string `yaml:"temp_dir"`
	OutputDir *string `yaml:"output_dir"`
	DBPath    *string `yaml:"db_path"`
	AuthToken *string `yaml:"auth_token"`
	RedisURL  *string `yaml:"redis_url"`

	Webhook struct {
		URL   *string `yaml:"url"`
		Token *string `yaml:"token"`
	} `yaml:"webhook"`

	Limits struct {
		MaxVideoSize *string `yaml:"max_video_size"`
		MaxDuration  *string `yaml:"max_duration"`
		Quota        *string `yaml:"quota"`
		MinFree      *string `yaml:"min_free"`
	} `yaml:"limits"`

	Scenes struct {
		MinSceneLength *float64 `yaml:"min_scene_length"`
		Threshold      *float64 `yaml:"threshold"`
		EdgeMargin     *float64 `yaml:"edge_margin"`
		MergeGap       *float64 `yaml:"merge_gap"`
	} `yaml:"scenes"`

	Concurrency struct {
		MaxJobs         *int `yaml:"max_jobs"`
		MaxPerRequester *int `yaml:"max_per_requester"`
	} `yaml:"concurrency"`

	Timeouts struct {
		Acquire  *string `yaml:"acquire"`
		Detect   *string `yaml:"detect"`
		Segment  *string `yaml:"segment"`
		Assemble *string `yaml:"assemble"`
	} `yaml:"timeouts"`

	Retry struct {
		AcquireAttempts *int    `yaml:"acquire_attempts"`
		SegmentAttempts *int    `yaml:"segment_attempts"`
		Backoff         *string `yaml:"backoff"`
	} `yaml:"retry"`

	Housekeeping struct {
		SweepInterval   *string `yaml:"sweep_interval"`
		SweepAge        *string `yaml:"sweep_age"`
		RecordGrace     *string `yaml:"record_grace"`
		OutboxRetention *string `yaml:"outbox_retention"`
	} `yaml:"housekeeping"`

	Tools struct {
		FFmpeg  *string `yaml:"ffmpeg"`
		FFprobe *string `yaml:"ffprobe"`
		YtDlp   *string `yaml:"yt_dlp"`
		Python  *string `yaml:"python"`
	} `yaml:"tools"`
}

func (c *EnvConfig) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.logLevel, fc.LogLevel)
	setString(&c.dataDir, fc.DataDir)
	setString(&c.tempDir, fc.TempDir)
	setString(&c.outputDir, fc.OutputDir)
	setString(&c.dbPath, fc.DBPath)
	setString(&c.authToken, fc.AuthToken)
	setString(&c.redisURL, fc.RedisURL)
	setString(&c.webhookURL, fc.Webhook.URL)
	setString(&c.webhookToken, fc.Webhook.Token)
	setString(&c.ffmpegPath, fc.Tools.FFmpeg)
	setString(&c.ffprobePath, fc.Tools.FFprobe)
	setString(&c.ytdlpPath, fc.Tools.YtDlp)
	setString(&c.pythonPath, fc.Tools.Python)

	if fc.Port != nil {
		c.port = *fc.Port
	}
	if fc.Scenes.MinSceneLength != nil {
		c.minSceneLength = *fc.Scenes.MinSceneLength
	}
	if fc.Scenes.Threshold != nil {
		c.threshold = *fc.Scenes.Threshold
	}
	if fc.Scenes.EdgeMargin != nil {
		c.edgeMargin = *fc.Scenes.EdgeMargin
	}
	if fc.Scenes.MergeGap != nil {
		c.mergeGap = *fc.Scenes.MergeGap
	}
	if fc.Concurrency.MaxJobs != nil {
		c.maxConcurrentJobs = *fc.Concurrency.MaxJobs
	}
	if fc.Concurrency.MaxPerRequester != nil {
		c.maxConcurrentPerRequester = *fc.Concurrency.MaxPerRequester
	}
	if fc.Retry.AcquireAttempts != nil {
		c.acquireAttempts = *fc.Retry.AcquireAttempts
	}
	if fc.Retry.SegmentAttempts != nil {
		c.segmentAttempts = *fc.Retry.SegmentAttempts
	}

	sizes := []struct {
		key string
		src *string
		dst *int64
	}{
		{"limits.max_video_size", fc.Limits.MaxVideoSize, &c.maxVideoSize},
		{"limits.quota", fc.Limits.Quota, &c.quotaBytes},
		{"limits.min_free", fc.Limits.MinFree, &c.minFreeBytes},
	}
	for _, s := range sizes {
		if s.src == nil {
			continue
		}
		n, err := parseBytes(*s.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", s.key, err)
		}
		*s.dst = n
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"limits.max_duration", fc.Limits.MaxDuration, &c.maxDuration},
		{"timeouts.acquire", fc.Timeouts.Acquire, &c.acquireTimeout},
		{"timeouts.detect", fc.Timeouts.Detect, &c.detectTimeout},
		{"timeouts.segment", fc.Timeouts.Segment, &c.segmentTimeout},
		{"timeouts.assemble", fc.Timeouts.Assemble, &c.assembleTimeout},
		{"retry.backoff", fc.Retry.Backoff, &c.retryBackoff},
		{"housekeeping.sweep_interval", fc.Housekeeping.SweepInterval, &c.sweepInterval},
		{"housekeeping.sweep_age", fc.Housekeeping.SweepAge, &c.sweepAge},
		{"housekeeping.record_grace", fc.Housekeeping.RecordGrace, &c.recordGrace},
		{"housekeeping.outbox_retention", fc.Housekeeping.OutboxRetention, &c.outboxRetention},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	envString(&c.logLevel, EnvLogLevel)
	envString(&c.dataDir, EnvDataDir)
	envString(&c.tempDir, EnvTempDir)
	envString(&c.outputDir, EnvOutputDir)
	envString(&c.dbPath, EnvDBPath)
	envString(&c.authToken, EnvAuthToken)
	envString(&c.redisURL, EnvRedisURL)
	envString(&c.webhookURL, EnvWebhookURL)
	envString(&c.webhookToken, EnvWebhookToken)
	envString(&c.ffmpegPath, EnvFFmpegPath)
	envString(&c.ffprobePath, EnvFFprobePath)
	envString(&c.ytdlpPath, EnvYtDlpPath)
	envString(&c.pythonPath, EnvPythonPath)

	for name, dst := range map[string]*int64{
		EnvMaxVideoSize: &c.maxVideoSize,
		EnvQuotaBytes:   &c.quotaBytes,
		EnvMinFreeBytes: &c.minFreeBytes,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := parseBytes(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	for name, dst := range map[string]*float64{
		EnvMinSceneLength: &c.minSceneLength,
		EnvThreshold:      &c.threshold,
		EnvEdgeMargin:     &c.edgeMargin,
		EnvMergeGap:       &c.mergeGap,
	} {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = f
		}
	}

	for name, dst := range map[string]*int{
		EnvMaxConcurrentJobs:         &c.maxConcurrentJobs,
		EnvMaxConcurrentPerRequester: &c.maxConcurrentPerRequester,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv(EnvMaxDuration); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxDuration, err)
		}
		c.maxDuration = d
	}

	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *EnvConfig) Validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	if c.maxVideoSize <= 0 {
		return fmt.Errorf("max video size must be positive")
	}
	if c.quotaBytes < c.maxVideoSize {
		return fmt.Errorf("storage quota (%s) must be at least the max video size (%s)",
			humanize.IBytes(uint64(c.quotaBytes)), humanize.IBytes(uint64(c.maxVideoSize)))
	}
	if c.minSceneLength <= 0 {
		return fmt.Errorf("min scene length must be positive, got %v", c.minSceneLength)
	}
	if c.threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", c.threshold)
	}
	if c.edgeMargin < 0 || c.mergeGap < 0 {
		return fmt.Errorf("edge margin and merge gap cannot be negative")
	}
	if c.maxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}
	if c.maxConcurrentPerRequester < 1 {
		return fmt.Errorf("max concurrent jobs per requester must be at least 1")
	}
	if c.acquireAttempts < 1 || c.segmentAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.webhookURL != "" {
		u, err := url.Parse(c.webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook url %q", c.webhookURL)
		}
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// TempDir returns the root under which per-job scopes are created.
func (c *EnvConfig) TempDir() string {
	if c.tempDir != "" {
		return c.tempDir
	}
	return filepath.Join(c.dataDir, "tmp")
}

// OutputDir returns the directory delivered scenes are moved into.
func (c *EnvConfig) OutputDir() string {
	if c.outputDir != "" {
		return c.outputDir
	}
	return filepath.Join(c.dataDir, "outbox")
}

// DBPath returns the SQLite DSN for the job history.
func (c *EnvConfig) DBPath() string {
	return c.dbPath
}

func (c *EnvConfig) AuthToken() string {
	return c.authToken
}

func (c *EnvConfig) RedisURL() string {
	return c.redisURL
}

// WebhookURL is where terminal job notifications are POSTed. Empty disables them.
func (c *EnvConfig) WebhookURL() string {
	return c.webhookURL
}

func (c *EnvConfig) WebhookToken() string {
	return c.webhookToken
}

func (c *EnvConfig) MaxVideoSize() int64 {
	return c.maxVideoSize
}

// MaxDuration returns the longest accepted source. Zero disables the check.
func (c *EnvConfig) MaxDuration() time.Duration {
	return c.maxDuration
}

func (c *EnvConfig) QuotaBytes() int64 {
	return c.quotaBytes
}

func (c *EnvConfig) MinFreeBytes() int64 {
	return c.minFreeBytes
}

func (c *EnvConfig) MinSceneLength() float64 {
	return c.minSceneLength
}

func (c *EnvConfig) Threshold() float64 {
	return c.threshold
}

// EdgeMargin returns how close to either end of the video a cut may fall.
// Zero means "use the job's min scene length".
func (c *EnvConfig) EdgeMargin() float64 {
	return c.edgeMargin
}

// MergeGap returns the distance under which adjacent cuts are coalesced.
// Zero means "use the job's min scene length".
func (c *EnvConfig) MergeGap() float64 {
	return c.mergeGap
}

func (c *EnvConfig) MaxConcurrentJobs() int {
	return c.maxConcurrentJobs
}

func (c *EnvConfig) MaxConcurrentPerRequester() int {
	return c.maxConcurrentPerRequester
}

func (c *EnvConfig) AcquireTimeout() time.Duration {
	return c.acquireTimeout
}

func (c *EnvConfig) DetectTimeout() time.Duration {
	return c.detectTimeout
}

func (c *EnvConfig) SegmentTimeout() time.Duration {
	return c.segmentTimeout
}

func (c *EnvConfig) AssembleTimeout() time.Duration {
	return c.assembleTimeout
}

func (c *EnvConfig) AcquireAttempts() int {
	return c.acquireAttempts
}

func (c *EnvConfig) SegmentAttempts() int {
	return c.segmentAttempts
}

func (c *EnvConfig) RetryBackoff() time.Duration {
	return c.retryBackoff
}

func (c *EnvConfig) SweepInterval() time.Duration {
	return c.sweepInterval
}

func (c *EnvConfig) SweepAge() time.Duration {
	return c.sweepAge
}

func (c *EnvConfig) RecordGrace() time.Duration {
	return c.recordGrace
}

func (c *EnvConfig) OutboxRetention() time.Duration {
	return c.outboxRetention
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) YtDlpPath() string {
	return c.ytdlpPath
}

// PythonPath returns the interpreter used to run the scene detector; empty = auto-detect.
func (c *EnvConfig) PythonPath() string {
	return c.pythonPath
}

func setString(dst *string, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// parseBytes accepts plain byte counts or humanized sizes such as "2GB" or "512 MiB".
func parseBytes(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
