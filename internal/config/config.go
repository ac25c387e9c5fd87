package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	SearchEnabled   bool          `mapstructure:"SEARCH_ENABLED"`
	SearchIndexPath string        `mapstructure:"SEARCH_INDEX_PATH"`
	SearchTimeout   time.Duration `mapstructure:"SEARCH_TIMEOUT"`
	ReindexBatch    int           `mapstructure:"REINDEX_BATCH"`
	BlobDir         string        `mapstructure:"BLOB_DIR"`
	JWTSigningKey   string        `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SEARCH_ENABLED", true)
	v.SetDefault("SEARCH_INDEX_PATH", "./data/xray.bleve")
	v.SetDefault("SEARCH_TIMEOUT", "5s")
	v.SetDefault("REINDEX_BATCH", 50)
	v.SetDefault("BLOB_DIR", "./data/blobs")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SEARCH_ENABLED")
	v.BindEnv("SEARCH_INDEX_PATH")
	v.BindEnv("SEARCH_TIMEOUT")
	v.BindEnv("REINDEX_BATCH")
	v.BindEnv("BLOB_DIR")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("REQUEST_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// mode a JWT signing key is required so that bearer tokens are actually
// verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required when ENV is not development")
	}
	if c.SearchEnabled && c.SearchIndexPath == "" {
		return fmt.Errorf("SEARCH_INDEX_PATH is required when SEARCH_ENABLED is true")
	}
	if c.ReindexBatch <= 0 {
		return fmt.Errorf("REINDEX_BATCH must be positive, got %d", c.ReindexBatch)
	}
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("SEARCH_TIMEOUT must be positive")
	}
	return nil
}
