package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the tool-level configuration that is not part of a single
// compile: logging verbosity and format.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load layers configuration sources. Priority: CLI flags > environment
// variables (CRUSHTOOL_*) > crushtool.yaml > defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	viper.SetConfigName("crushtool")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	setDefaults()
	viper.SetEnvPrefix("crushtool")
	viper.AutomaticEnv()

	if flags != nil {
		if err := viper.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return &Config{
		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
	}, nil
}

func setDefaults() {
	viper.SetDefault("log_level", "warning")
	viper.SetDefault("log_format", "text")
}
