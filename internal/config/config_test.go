package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                 "development",
		Port:                "8080",
		JWTSecret:           "secure-secret-at-least-32-chars-long",
		RedisURL:            "redis://localhost:6379",
		DBPassword:          "secure-password",
		DBSSLMode:           "require",
		SagaMaxAttempts:     5,
		FeedCacheTTLSeconds: 30,
		TracingSamplerRatio: 1,
	}
}

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Env = tt.env
			c.DBSSLMode = tt.sslMode

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing port", func(c *Config) { c.Port = "" }},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }},
		{"missing redis", func(c *Config) { c.RedisURL = "" }},
		{"zero saga attempts", func(c *Config) { c.SagaMaxAttempts = 0 }},
		{"negative cache ttl", func(c *Config) { c.FeedCacheTTLSeconds = -1 }},
		{"sampler ratio out of range", func(c *Config) { c.TracingSamplerRatio = 1.5 }},
		{"default secret in production", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = defaultJWTSecret
		}},
		{"dev root in production", func(c *Config) {
			c.Env = "production"
			c.DevBootstrapRoot = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	defer viper.Reset()

	t.Setenv("APP_ENV", "test")
	t.Setenv("DB_SSLMODE", "  DISABLE  ")
	t.Setenv("SAGA_MAX_ATTEMPTS", "3")
	t.Setenv("FEED_CACHE_TTL_SECONDS", "12")
	t.Setenv("STORE_PREFIX", "it:")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, 3, c.SagaMaxAttempts)
	assert.Equal(t, 12*time.Second, c.FeedCacheTTL())
	assert.Equal(t, "it:", c.StorePrefix)
	assert.Equal(t, "8375", c.Port)
}

func TestConfig_DatabaseDSN(t *testing.T) {
	c := &Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "forum", DBSSLMode: "require"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=forum sslmode=require", c.DatabaseDSN())
}
