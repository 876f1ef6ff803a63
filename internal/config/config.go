package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	NodeID     string        `mapstructure:"node_id"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	JWTSecret string   `mapstructure:"jwt_secret"`
	ProUsers  []string `mapstructure:"pro_users"`

	TurnSecret string        `mapstructure:"turn_secret"`
	TurnURLs   []string      `mapstructure:"turn_urls"`
	TurnTTL    time.Duration `mapstructure:"turn_ttl"`
	StunURLs   []string      `mapstructure:"stun_urls"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	AssignmentTTL time.Duration `mapstructure:"assignment_ttl"`
	WorkerCap     int           `mapstructure:"worker_cap"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("node_id", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("turn_secret", "change-me-in-production")
	v.SetDefault("turn_ttl", "24h")
	v.SetDefault("assignment_ttl", "5m")
	v.SetDefault("worker_cap", 0)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
