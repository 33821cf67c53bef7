package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// EnvPrefix namespaces the logging variables. Each one also falls back to
// its unprefixed name, so LOG_LEVEL works when COUCHPULL_LOG_LEVEL is unset.
const EnvPrefix = "COUCHPULL_"

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

// LevelTrace is more verbose than debug; the tracker logs every feed line at this level.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

func getenv(name string) string {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(os.Getenv(name))
}

// GetConfigFromEnv builds a Config from ENVIRONMENT, LOG_LEVEL, LOG_FORMAT
// and LOG_ADD_SOURCE. The environment picks the defaults and the LOG_
// variables override them.
func GetConfigFromEnv() Config {
	config := DefaultConfig

	if env := getenv("ENVIRONMENT"); env != "" {
		config.Environment = env
	}

	switch config.Environment {
	case EnvProduction:
		config.Format = "json"
		config.Level = "info"
		config.AddSource = false
	case EnvTest:
		config.Format = "text"
		config.Level = "warn"
	case EnvDevelopment:
		config.Format = "text"
		config.Level = "debug"
		config.AddSource = true
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if addSource := getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = addSource == "true" || addSource == "1"
	}

	return config
}
