package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	return ParseBool(key, os.Getenv(key), defaultValue)
}

// ParseBool parses val the way ParseBoolEnv does; key is only used for logging.
func ParseBool(key, val string, defaultValue bool) bool {
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBool: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseIntEnv parses an integer environment variable. Invalid or negative values return default.
func ParseIntEnv(key string, defaultValue int) int {
	return ParseInt(key, os.Getenv(key), defaultValue)
}

// ParseInt parses val the way ParseIntEnv does.
func ParseInt(key, val string, defaultValue int) int {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		slog.Warn("ParseInt: invalid integer value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseFloatEnv parses a positive float environment variable. Invalid values return default.
func ParseFloatEnv(key string, defaultValue float64) float64 {
	return ParseFloat(key, os.Getenv(key), defaultValue)
}

// ParseFloat parses val the way ParseFloatEnv does.
func ParseFloat(key, val string, defaultValue float64) float64 {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		slog.Warn("ParseFloat: invalid float value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return f
}

// ParseMillisEnv parses a duration given in milliseconds.
func ParseMillisEnv(key string, defaultValue time.Duration) time.Duration {
	return ParseMillis(key, os.Getenv(key), defaultValue)
}

// ParseMillis parses val as a millisecond count.
func ParseMillis(key, val string, defaultValue time.Duration) time.Duration {
	ms := ParseInt(key, val, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
