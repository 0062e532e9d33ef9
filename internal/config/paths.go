package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath names an explicit config file.
	EnvConfigPath = "RNASTATE_CONFIG"
	// FileName is the config file looked up in the working directory.
	FileName = "rnastate.yaml"
	// DirName is the config directory under XDG and /etc.
	DirName = "rnastate"
)

// FindPath returns the first config file found, in priority order:
//  1. explicit (the --config flag)
//  2. $RNASTATE_CONFIG
//  3. ./rnastate.yaml
//  4. $XDG_CONFIG_HOME/rnastate/config.yaml
//  5. /etc/rnastate/config.yaml
//
// It returns an empty string when none exists. An explicit path is returned
// even when missing so that loading it reports the error.
func FindPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	if fileExists(FileName) {
		if abs, err := filepath.Abs(FileName); err == nil {
			return abs
		}
		return FileName
	}
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		path := filepath.Join(xdgHome, DirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}
	systemPath := filepath.Join(systemDir, DirName, "config.yaml")
	if fileExists(systemPath) {
		return systemPath
	}
	return ""
}

var systemDir = "/etc"

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
