package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/cordis-cli/internal/sink"
)

// Config holds the full application configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths" mapstructure:"paths"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates the raw and processed data directories.
type PathsConfig struct {
	RawDir       string `yaml:"raw_dir" mapstructure:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir"`
}

// FetchConfig configures downloads.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// PipelineConfig configures a harvest run.
type PipelineConfig struct {
	Parallel       int    `yaml:"parallel" mapstructure:"parallel"`
	ProgrammesFile string `yaml:"programmes_file" mapstructure:"programmes_file"`
	AbsentMarker   string `yaml:"absent_marker" mapstructure:"absent_marker"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORDIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.raw_dir", "data/raw")
	v.SetDefault("paths.processed_dir", "data/processed")
	v.SetDefault("fetch.user_agent", "cordis-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 1800)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("pipeline.parallel", 1)
	v.SetDefault("pipeline.programmes_file", "")
	v.SetDefault("pipeline.absent_marker", `\N`)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a harvest run depends on.
func (c *Config) Validate() error {
	var problems []string

	for _, d := range []struct{ key, path string }{
		{"paths.raw_dir", c.Paths.RawDir},
		{"paths.processed_dir", c.Paths.ProcessedDir},
	} {
		if d.path == "" {
			problems = append(problems, d.key+" is required")
			continue
		}
		info, err := os.Stat(d.path)
		switch {
		case err != nil:
			problems = append(problems, d.key+" "+d.path+" does not exist")
		case !info.IsDir():
			problems = append(problems, d.key+" "+d.path+" is not a directory")
		}
	}

	if c.Pipeline.Parallel < 1 {
		problems = append(problems, "pipeline.parallel must be >= 1")
	}
	if c.Fetch.RatePerSec < 0 {
		problems = append(problems, "fetch.rate_per_sec must be >= 0")
	}
	if c.Fetch.TimeoutSecs < 0 {
		problems = append(problems, "fetch.timeout_secs must be >= 0")
	}
	if err := sink.ValidateMarker(c.Pipeline.AbsentMarker); err != nil {
		problems = append(problems, "pipeline.absent_marker: "+err.Error())
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
