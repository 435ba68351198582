// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// String returns the value of the named variable or def when unset.
func String(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Int returns the integer value of the named variable or def when unset or
// unparsable.
func Int(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Dur returns the duration value of the named variable or def when unset or
// unparsable.
func Dur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// MustString returns the value of the named variable or reports it missing.
// Callers treat a false second return as a fatal startup error.
func MustString(name string) (string, bool) {
	v := os.Getenv(name)
	return v, v != ""
}
