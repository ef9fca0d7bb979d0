// Package config loads and validates the device agent's configuration
// from a YAML file, environment variables, and flags layered via
// spf13/viper.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the device agent's full configuration.
type Config struct {
	Server   string `mapstructure:"server" validate:"required"`
	Port     int    `mapstructure:"port"`
	ClientID string `mapstructure:"client_id"`

	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	SSID      string `mapstructure:"ssid"`
	WifiPW    string `mapstructure:"wifi_pw"`
	Interface string `mapstructure:"interface"`

	Clean bool `mapstructure:"clean"`

	KeepAlive    int `mapstructure:"keepalive" validate:"min=0"`
	ResponseTime int `mapstructure:"response_time" validate:"min=1"`

	WillTopic   string `mapstructure:"will_topic"`
	WillMessage string `mapstructure:"will_message"`
	WillQoS     int    `mapstructure:"will_qos" validate:"min=0,max=1"`
	WillRetain  bool   `mapstructure:"will_retain"`

	TLS       bool   `mapstructure:"tls"`
	Transport string `mapstructure:"transport" validate:"omitempty,oneof=tcp ws"`

	Prefix   string `mapstructure:"prefix" validate:"required"`
	FileRoot string `mapstructure:"file_root"`
	OTADir   string `mapstructure:"ota_dir"`

	LogFile    string `mapstructure:"log_file"`
	LogLevel   string `mapstructure:"log_level"`
	WorkerPool int    `mapstructure:"worker_pool" validate:"min=1"`
}

// KeepAliveInvariant enforces "keepalive == 0 || keepalive >=
// 2*response_time": a shorter keepalive than twice the response
// timeout would let the keepalive loop declare the link dead before
// a ping round-trip could possibly complete. Registered as a
// validator/v10 struct-level validation since it spans two fields.
func KeepAliveInvariant(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.KeepAlive != 0 && c.KeepAlive < 2*c.ResponseTime {
		sl.ReportError(c.KeepAlive, "KeepAlive", "keepalive", "keepalive_invariant", "")
	}
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		if c.TLS {
			c.Port = 8883
		} else {
			c.Port = 1883
		}
	}
	if c.ResponseTime == 0 {
		c.ResponseTime = 10
	}
	if c.WorkerPool == 0 {
		c.WorkerPool = 8
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ResponseTimeDuration is ResponseTime as a time.Duration.
func (c *Config) ResponseTimeDuration() time.Duration {
	return time.Duration(c.ResponseTime) * time.Second
}

// KeepAliveDuration is KeepAlive as a time.Duration.
func (c *Config) KeepAliveDuration() time.Duration {
	return time.Duration(c.KeepAlive) * time.Second
}

// Load reads configuration from configPath if non-empty, otherwise from
// .mqboard.yaml in the home directory or the current directory, with
// MQBOARD_-prefixed environment variables layered on top; it then
// applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mqboard")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("config: resolving home directory: %w", err)
		}
		v.SetConfigName(".mqboard")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	c.setDefaults()

	validate := validator.New()
	validate.RegisterStructValidation(KeepAliveInvariant, Config{})
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &c, nil
}
