// Package config loads hermetic.yaml, HERMETIC_* environment variables and
// bound flags into a typed Config, and builds the process logger from it.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/hermetic/internal/memo"
	"github.com/roach88/hermetic/internal/pipgraph"
	"github.com/roach88/hermetic/internal/retry"
)

const (
	configBaseName   = "hermetic"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	envPrefix = "HERMETIC"

	CacheDirKey        = "cache.dir"
	CacheDBKey         = "cache.db"
	CacheRemoteKey     = "cache.remote"
	CacheStrictnessKey = "cache.strictness"

	RunParallelKey           = "run.parallel"
	RunTimeoutKey            = "run.timeout"
	RunDroughtTimeoutKey     = "run.drought_timeout"
	RunTolerateUndeclaredKey = "run.tolerate_undeclared"
	RunPlatformKey           = "run.platform"
	RunMaxCPUKey             = "run.max_cpu_basis_points"
	RunMinFreeRAMKey         = "run.min_free_ram_mb"

	RetryModeKey       = "retry.mode"
	RetryInitialKey    = "retry.initial"
	RetryMaxKey        = "retry.max"
	RetryMaxRetriesKey = "retry.max_retries"

	LogFilenameKey   = "log.filename"
	LogLevelKey      = "log.level"
	LogMaxSizeKey    = "log.max_size"
	LogMaxBackupsKey = "log.max_backups"
	LogMaxAgeKey     = "log.max_age"
	LogCompressKey   = "log.compress"

	MetricsAddrKey = "metrics.addr"

	ServeAddrKey         = "serve.addr"
	ServeMaxBlobBytesKey = "serve.max_blob_bytes"

	defaultCacheDir       = ".hermetic/cas"
	defaultCacheDB        = ".hermetic/cache.db"
	defaultStrictness     = "keep_existing"
	defaultDroughtTimeout = 2 * time.Second
	defaultLogLevel       = "info"
	defaultLogMaxSize     = 10
	defaultLogMaxBackups  = 3
	defaultLogMaxAge      = 28
	defaultLogCompress    = true
	defaultServeAddr      = ":7420"
	defaultServeMaxBlob   = int64(1 << 30)
)

// Config is the resolved configuration for one hermetic invocation.
type Config struct {
	// File is the config file that was read, or "" when none was found.
	File    string
	Cache   CacheConfig
	Run     RunConfig
	Retry   retry.Policy
	Log     LogConfig
	Metrics MetricsConfig
	Serve   ServeConfig
}

type CacheConfig struct {
	Dir        string
	DB         string
	Remote     string
	Strictness memo.Strictness
}

type RunConfig struct {
	Parallel           int
	Timeout            time.Duration
	DroughtTimeout     time.Duration
	TolerateUndeclared bool
	Platform           pipgraph.Platform
	MaxCPUBasisPoints  uint32
	MinFreeRAMMB       uint64
}

type LogConfig struct {
	// Filename enables a rotating log file in addition to stderr.
	Filename   string
	Level      string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type MetricsConfig struct {
	Addr string
}

type ServeConfig struct {
	Addr         string
	MaxBlobBytes int64
}

// New returns a viper instance with hermetic's defaults and environment
// binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(CacheDirKey, defaultCacheDir)
	v.SetDefault(CacheDBKey, defaultCacheDB)
	v.SetDefault(CacheRemoteKey, "")
	v.SetDefault(CacheStrictnessKey, defaultStrictness)

	v.SetDefault(RunParallelKey, runtime.NumCPU())
	v.SetDefault(RunTimeoutKey, time.Duration(0))
	v.SetDefault(RunDroughtTimeoutKey, defaultDroughtTimeout)
	v.SetDefault(RunTolerateUndeclaredKey, false)
	v.SetDefault(RunPlatformKey, "")
	v.SetDefault(RunMaxCPUKey, 0)
	v.SetDefault(RunMinFreeRAMKey, 0)

	def := retry.DefaultPolicy()
	v.SetDefault(RetryModeKey, string(def.Mode))
	v.SetDefault(RetryInitialKey, def.Initial)
	v.SetDefault(RetryMaxKey, def.Max)
	v.SetDefault(RetryMaxRetriesKey, def.MaxRetries)

	v.SetDefault(LogFilenameKey, "")
	v.SetDefault(LogLevelKey, defaultLogLevel)
	v.SetDefault(LogMaxSizeKey, defaultLogMaxSize)
	v.SetDefault(LogMaxBackupsKey, defaultLogMaxBackups)
	v.SetDefault(LogMaxAgeKey, defaultLogMaxAge)
	v.SetDefault(LogCompressKey, defaultLogCompress)

	v.SetDefault(MetricsAddrKey, "")
	v.SetDefault(ServeAddrKey, defaultServeAddr)
	v.SetDefault(ServeMaxBlobBytesKey, defaultServeMaxBlob)
	return v
}

// BindFlag binds a command flag to a config key, so an explicitly set flag
// overrides the file and environment.
func BindFlag(v *viper.Viper, key string, f *pflag.Flag) error {
	if f == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return v.BindPFlag(key, f)
}

// Load reads the config file and resolves every key. An explicit path must
// exist; without one, ./hermetic.yaml is optional.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configBaseName)
		v.AddConfigPath(configFolderPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	strict, err := memo.ParseStrictness(v.GetString(CacheStrictnessKey))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CacheStrictnessKey, err)
	}

	platform := pipgraph.CurrentPlatform()
	if s := v.GetString(RunPlatformKey); s != "" {
		p, ok := pipgraph.ParsePlatform(s)
		if !ok {
			return nil, fmt.Errorf("%s: unknown platform %q", RunPlatformKey, s)
		}
		platform = p
	}

	parallel := v.GetInt(RunParallelKey)
	if parallel < 1 {
		return nil, fmt.Errorf("%s must be at least 1, got %d", RunParallelKey, parallel)
	}

	policy := retry.NewPolicy(
		retry.Mode(v.GetString(RetryModeKey)),
		v.GetDuration(RetryInitialKey),
		v.GetDuration(RetryMaxKey),
		v.GetInt(RetryMaxRetriesKey),
	)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}

	return &Config{
		File: v.ConfigFileUsed(),
		Cache: CacheConfig{
			Dir:        v.GetString(CacheDirKey),
			DB:         v.GetString(CacheDBKey),
			Remote:     v.GetString(CacheRemoteKey),
			Strictness: strict,
		},
		Run: RunConfig{
			Parallel:           parallel,
			Timeout:            v.GetDuration(RunTimeoutKey),
			DroughtTimeout:     v.GetDuration(RunDroughtTimeoutKey),
			TolerateUndeclared: v.GetBool(RunTolerateUndeclaredKey),
			Platform:           platform,
			MaxCPUBasisPoints:  v.GetUint32(RunMaxCPUKey),
			MinFreeRAMMB:       v.GetUint64(RunMinFreeRAMKey),
		},
		Retry: policy,
		Log: LogConfig{
			Filename:   v.GetString(LogFilenameKey),
			Level:      v.GetString(LogLevelKey),
			MaxSize:    v.GetInt(LogMaxSizeKey),
			MaxBackups: v.GetInt(LogMaxBackupsKey),
			MaxAge:     v.GetInt(LogMaxAgeKey),
			Compress:   v.GetBool(LogCompressKey),
		},
		Metrics: MetricsConfig{Addr: v.GetString(MetricsAddrKey)},
		Serve: ServeConfig{
			Addr:         v.GetString(ServeAddrKey),
			MaxBlobBytes: v.GetInt64(ServeMaxBlobBytesKey),
		},
	}, nil
}
