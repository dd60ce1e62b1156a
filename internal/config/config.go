package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Enable   bool   `mapstructure:"enable"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Rates struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"rates"`
	Engine struct {
		Workers int `mapstructure:"workers"`
	} `mapstructure:"engine"`
	Workflow Workflow `mapstructure:"workflow"`
}

// Workflow carries the timing knobs of the credit workflows. It is passed
// explicitly to the workflow library instead of living in package globals.
type Workflow struct {
	ExpirationMinutes           int  `mapstructure:"expiration_minutes"`
	MonitorIntervalSeconds      int  `mapstructure:"monitor_interval_seconds"`
	MonitorTimeoutHours         int  `mapstructure:"monitor_timeout_hours"`
	InstanceSearchWindowMinutes int  `mapstructure:"instance_search_window_minutes"`
	MonitorEnabled              bool `mapstructure:"monitor_enabled"`
}

// Expiration is the customer confirmation deadline.
func (w Workflow) Expiration() time.Duration {
	return time.Duration(w.ExpirationMinutes) * time.Minute
}

// MonitorInterval is the monitor poll cadence.
func (w Workflow) MonitorInterval() time.Duration {
	return time.Duration(w.MonitorIntervalSeconds) * time.Second
}

// MonitorTimeout is the hard bound on the monitor loop.
func (w Workflow) MonitorTimeout() time.Duration {
	return time.Duration(w.MonitorTimeoutHours) * time.Hour
}

// InstanceSearchWindow is the time window used when matching a running
// workflow instance by its input.
func (w Workflow) InstanceSearchWindow() time.Duration {
	return time.Duration(w.InstanceSearchWindowMinutes) * time.Minute
}

// LoadConfig loads the configuration from a file and the environment.
// A missing config file is fine; defaults cover a local run. When
// configFile is non-empty that exact file is used instead of the search
// path.
func LoadConfig(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.enable", false)
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "postgres")
	viper.SetDefault("db.name", "creditapproval")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("rates.url", "https://api.exchangeratesapi.io")
	viper.SetDefault("engine.workers", 8)
	viper.SetDefault("workflow.expiration_minutes", 2)
	viper.SetDefault("workflow.monitor_interval_seconds", 20)
	viper.SetDefault("workflow.monitor_timeout_hours", 1)
	viper.SetDefault("workflow.instance_search_window_minutes", 60)
	viper.SetDefault("workflow.monitor_enabled", false)
}
