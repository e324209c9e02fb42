// Package config loads environment configuration for the vectorflow
// processes. A .env file is loaded when present so local development does not
// need exported variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads a .env file if one exists. Missing files are not an error;
// production deployments set real environment variables.
func Load() {
	_ = godotenv.Load()
}

// GetEnv returns the value of the environment variable or the fallback if it
// is unset or empty.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable or the
// fallback if it is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetEnvFloat returns the float value of the environment variable or the
// fallback if it is unset, empty, or not a valid number.
func GetEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetEnvBool returns the boolean value of the environment variable or the
// fallback if it is unset or empty. Accepted truthy values are 1, true, yes,
// y, and on, case-insensitively; everything else is false.
func GetEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
