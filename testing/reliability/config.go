// Package reliability holds long-running pipeline tests gated by environment.
package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
}

// getReliabilityConfig reads configuration from environment variables
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         os.Getenv("SPANZ_RELIABILITY_LEVEL"),
		Duration:      parseDuration(getEnv("SPANZ_RELIABILITY_DURATION", "10s")),
		MaxGoroutines: parseInt(getEnv("SPANZ_RELIABILITY_MAX_GOROUTINES", "64")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil && value > 0 {
		return value
	}
	return 64
}

func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil && duration > 0 {
		return duration
	}
	return 10 * time.Second
}
