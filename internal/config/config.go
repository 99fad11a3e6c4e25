// Package config reads runtime settings from the environment with sane
// local defaults.
package config

import (
	"os"
	"time"
)

const (
	defaultHTTPAddr  = ":8080"
	defaultMySQLDSN  = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	defaultRedisAddr = "localhost:6379"
	defaultEnv       = "local"

	defaultCheckoutTimeout = 5 * time.Second
)

type Config struct {
	HTTPAddr        string
	MySQLDSN        string
	RedisAddr       string
	RedisPassword   string
	Env             string
	CheckoutTimeout time.Duration
}

func Load() Config {
	return Config{
		HTTPAddr:        get("HTTP_ADDR", defaultHTTPAddr),
		MySQLDSN:        get("MYSQL_DSN", defaultMySQLDSN),
		RedisAddr:       get("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:   get("REDIS_PASSWORD", ""),
		Env:             get("APP_ENV", defaultEnv),
		CheckoutTimeout: getDuration("CHECKOUT_TIMEOUT", defaultCheckoutTimeout),
	}
}

func get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
