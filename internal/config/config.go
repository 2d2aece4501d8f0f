package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rowmail/rowmail/internal/log"
	"github.com/rowmail/rowmail/pkg/service"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	HTTP struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"http"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	SMTP struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		Username     string `mapstructure:"username"`
		Password     string `mapstructure:"password"`
		OverrideFrom string `mapstructure:"override_from"`
	} `mapstructure:"smtp"`
	Dispatch struct {
		Workers         int `mapstructure:"workers"`
		BurstSize       int `mapstructure:"burst_size"`
		BurstPauseSecs  int `mapstructure:"burst_pause_seconds"`
		ItemTimeoutSecs int `mapstructure:"item_timeout_seconds"`
		ItemConcurrency int `mapstructure:"item_concurrency"`
	} `mapstructure:"dispatch"`
	Tracking struct {
		Secret  string `mapstructure:"secret"`
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"tracking"`
	Scheduler struct {
		IntervalSecs int `mapstructure:"interval_seconds"`
	} `mapstructure:"scheduler"`
	Canvas []CanvasInstance `mapstructure:"canvas"`
}

// CanvasInstance is one configured Canvas host an account can authorize
// against.
type CanvasInstance struct {
	Name         string `mapstructure:"name"`
	BaseURL      string `mapstructure:"base_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthURL      string `mapstructure:"authorize_url"`
	TokenURL     string `mapstructure:"access_token_url"`
	BurstSize    int    `mapstructure:"burst_size"`
	BurstPause   int    `mapstructure:"burst_pause_seconds"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("rowmail")
	viper.AutomaticEnv()

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("dispatch.workers", 4)
	viper.SetDefault("dispatch.item_timeout_seconds", 60)
	viper.SetDefault("dispatch.item_concurrency", 4)
	viper.SetDefault("scheduler.interval_seconds", 15)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ConnString assembles the postgres DSN.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// DispatchConfig translates the file durations into the dispatcher's terms.
func (c *Config) DispatchConfig() service.DispatchConfig {
	return service.DispatchConfig{
		Workers:         c.Dispatch.Workers,
		BurstSize:       c.Dispatch.BurstSize,
		BurstPause:      time.Duration(c.Dispatch.BurstPauseSecs) * time.Second,
		ItemTimeout:     time.Duration(c.Dispatch.ItemTimeoutSecs) * time.Second,
		ItemConcurrency: c.Dispatch.ItemConcurrency,
	}
}

// CanvasInstances translates the configured hosts into the token manager's
// terms.
func (c *Config) CanvasInstances() []service.CanvasInstance {
	out := make([]service.CanvasInstance, 0, len(c.Canvas))
	for _, in := range c.Canvas {
		if in.BurstPause > 0 && in.BurstSize == 0 {
			log.GetLogger().Warnf(
				"Canvas instance %q sets burst_pause_seconds without burst_size; ignoring the pause",
				in.Name)
			in.BurstPause = 0
		}
		out = append(out, service.CanvasInstance{
			Name:         in.Name,
			BaseURL:      in.BaseURL,
			ClientID:     in.ClientID,
			ClientSecret: in.ClientSecret,
			AuthURL:      in.AuthURL,
			TokenURL:     in.TokenURL,
			BurstSize:    in.BurstSize,
			BurstPause:   time.Duration(in.BurstPause) * time.Second,
		})
	}
	return out
}
