package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Server Configuration:
// - LISTEN_ADDR: HTTP listen address (default: :8080)
// - STATIC_DIR: directory with the frontend assets (default: web)
// - SERVE_FRONTEND: serve the frontend from STATIC_DIR (default: true)
// - SHUTDOWN_TIMEOUT_SECONDS: graceful shutdown bound (default: 10)
//
// Fetch Configuration:
// - YTDLP_BINARY: yt-dlp binary name or path (default: yt-dlp)
// - YTDLP_COOKIES: path to a cookies.txt for authenticated fetches (optional)
// - KEEP_TEMP: keep intermediate temp files on disk (default: false)
//
// Job Configuration:
// - JOB_TIMEOUT_SECONDS: watchdog for a stuck job (default: 300)
// - JOB_RETENTION_MINUTES: how long terminal jobs stay queryable (default: 15)
// - JOB_RETRIEVED_GRACE_SECONDS: retention after the result was fetched (default: 60)
// - MAX_CONCURRENT_FETCHES: concurrent yt-dlp invocations (default: 2)
//
// Storage Configuration:
// - DB_PATH: sqlite path for the terminal-job archive; empty disables persistence
//
// Logging:
// - LOG_LEVEL: debug, info, warn, error (default: info)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Fetch   FetchConfig   `json:"fetch"`
	Jobs    JobsConfig    `json:"jobs"`
	Storage StorageConfig `json:"storage"`
	System  SystemConfig  `json:"system"`
}

type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr"`
	StaticDir       string        `json:"static_dir"`
	ServeFrontend   bool          `json:"serve_frontend"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type FetchConfig struct {
	Binary   string `json:"binary"`
	Cookies  string `json:"cookies"`
	KeepTemp bool   `json:"keep_temp"`
}

type JobsConfig struct {
	Timeout          time.Duration `json:"timeout"`
	Retention        time.Duration `json:"retention"`
	RetrievedGrace   time.Duration `json:"retrieved_grace"`
	MaxConcurrent    int           `json:"max_concurrent"`
	SweepIntervalStr string        `json:"sweep_interval"`
}

type StorageConfig struct {
	DBPath string `json:"db_path"`
}

type SystemConfig struct {
	LogLevel string `json:"log_level"`
}

// New creates a Config from environment variables.
func New() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			ListenAddr:      getEnvString("LISTEN_ADDR", ":8080"),
			StaticDir:       getEnvString("STATIC_DIR", "web"),
			ServeFrontend:   getEnvBool("SERVE_FRONTEND", true),
			ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Fetch: FetchConfig{
			Binary:   getEnvString("YTDLP_BINARY", "yt-dlp"),
			Cookies:  getEnvString("YTDLP_COOKIES", ""),
			KeepTemp: getEnvBool("KEEP_TEMP", false),
		},
		Jobs: JobsConfig{
			Timeout:          time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 300)) * time.Second,
			Retention:        time.Duration(getEnvInt("JOB_RETENTION_MINUTES", 15)) * time.Minute,
			RetrievedGrace:   time.Duration(getEnvInt("JOB_RETRIEVED_GRACE_SECONDS", 60)) * time.Second,
			MaxConcurrent:    getEnvInt("MAX_CONCURRENT_FETCHES", 2),
			SweepIntervalStr: getEnvString("SWEEP_INTERVAL", "@every 1m"),
		},
		Storage: StorageConfig{
			DBPath: getEnvString("DB_PATH", ""),
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT_SECONDS must be positive")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must be positive")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_FETCHES must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean value from environment variables with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
