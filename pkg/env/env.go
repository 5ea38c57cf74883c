// Package env reads process settings that sit outside the config file,
// including Docker secrets mounted as files.
package env

import (
	"bytes"
	"os"
	"path/filepath"
)

// GetStringFromFile reads KEY_FILE when set (Docker secrets) and falls back to KEY.
// An unreadable file falls back as well.
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filepath.Clean(filePath))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}

	return GetString(key, defaultValue)
}

// GetString returns the environment variable value or the default value if not set
func GetString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// InstanceID names this process for ownership locks: INSTANCE_ID, else the hostname
func InstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
