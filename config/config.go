// Package config loads the settings of the hookkit tools and the signature
// manifests they apply.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envVarPrefix = "HOOKKIT"

// Config contains every option the tools read from config.yaml or the
// environment.
type Config struct {
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`

	// PE file to map and patch offline.
	ImagePath string `mapstructure:"image_path"`
	// Where the image is mapped. Zero keeps the preferred image base.
	RuntimeBase uint64 `mapstructure:"runtime_base"`
	// YAML signature manifest.
	ManifestPath string `mapstructure:"manifest_path"`

	// Live mode (windows): process executable and module to attach to.
	Process string `mapstructure:"process"`
	Module  string `mapstructure:"module"`

	Verbose bool `mapstructure:"verbose"`
}

var defaults = map[string]interface{}{
	"log_level":     "info",
	"log_file_path": "",
	"image_path":    "",
	"runtime_base":  0,
	"manifest_path": "signatures.yaml",
	"process":       "",
	"module":        "",
	"verbose":       false,
}

// LoadConfig reads config.yaml from configPath. A missing file is not an
// error: defaults and HOOKKIT_* environment variables still apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return cfg, nil
}

// Live reports whether the config targets a running process rather than
// a file on disk.
func (c *Config) Live() bool {
	return c.Process != ""
}
