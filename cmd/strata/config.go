package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/inference"
)

// Config is the strata configuration file ($XDG_CONFIG_HOME/strata/config.yaml).
// All fields are pointers or strings so we can distinguish "not set" from
// zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Threads   *int   `yaml:"threads"`
	// MaxContext shrinks every loaded model's context.
	MaxContext *int `yaml:"max_context"`

	// Sampling defaults
	MaxTokens     *int     `yaml:"max_tokens"`
	Temperature   *float32 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float32 `yaml:"top_p"`
	RepeatPenalty *float32 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	Seed          *int64   `yaml:"seed"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int   `yaml:"max_concurrent"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file is an empty
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Defaults overlays the file's sampling settings on the built-in ones.
func (c Config) Defaults() inference.Defaults {
	d := inference.DefaultDefaults()
	if c.MaxTokens != nil {
		d.MaxNewTokens = *c.MaxTokens
	}
	if c.Temperature != nil {
		d.Sampling.Temperature = *c.Temperature
	}
	if c.TopK != nil {
		d.Sampling.TopK = *c.TopK
	}
	if c.TopP != nil {
		d.Sampling.TopP = *c.TopP
	}
	if c.RepeatPenalty != nil {
		d.Sampling.RepeatPenalty = *c.RepeatPenalty
	}
	if c.RepeatLastN != nil {
		d.Sampling.RepeatLastN = *c.RepeatLastN
	}
	if c.Seed != nil {
		d.Sampling.Seed = *c.Seed
	} else {
		d.Sampling.Seed = -1
	}
	return d
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(cmd *cli.Command, c Config) {
	if c.ModelsDir != "" && !cmd.IsSet("models-path") {
		modelsPath = c.ModelsDir
	}
	if c.MaxContext != nil && !cmd.IsSet("max-context") {
		maxContext = int64(*c.MaxContext)
	}
	if c.Threads != nil && !cmd.IsSet("threads") {
		threads = int64(*c.Threads)
	}
}

func applyLoggingConfig(cmd *cli.Command, c Config) {
	if c.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = c.LogLevel
	}
	if c.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = c.LogFormat
	}
}
