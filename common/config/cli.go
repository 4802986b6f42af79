package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// CLIConfig holds ndrctl configuration.
type CLIConfig struct {
	NATS        NATSConfig     `mapstructure:"nats"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	SensorID    string         `mapstructure:"sensor_id"`
	SensorToken string         `mapstructure:"sensor_token"`
	Path        string         `mapstructure:"-"`
}

// LoadCLI loads configuration for ndrctl.
// Uses $HOME/.ndrctl/config.yaml unless NDRCTL_CONFIG_DIR is set.
func LoadCLI(path string) (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "ndrctl")
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait", "1s")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "telhawk_ndr")
	v.SetDefault("postgres.user", "telhawk")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("sensor_id", "ndrctl")

	if path == "" {
		configDir := os.Getenv("NDRCTL_CONFIG_DIR")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to determine home directory: %w", err)
			}
			configDir = filepath.Join(home, ".ndrctl")
		}
		path = filepath.Join(configDir, "config.yaml")
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NDRCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file - the file is optional
	_ = v.ReadInConfig()

	var cfg CLIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Path = path

	return &cfg, nil
}
