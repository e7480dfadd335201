package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath          string
	DBPath              string
	MuxBinary           string
	SessionPrefix       string
	CommandTimeout      time.Duration
	RetryBackoff        []time.Duration
	InitDelayDirect     time.Duration
	InitDelayMux        time.Duration
	ProcessingThreshold time.Duration
	AutoReattach        bool
	MuxEnabled          bool
}

func DefaultConfig() Config {
	return Config{
		SocketPath:          defaultSocketPath(),
		DBPath:              defaultDBPath(),
		MuxBinary:           "tmux",
		SessionPrefix:       "muxdock-",
		CommandTimeout:      5 * time.Second,
		RetryBackoff:        []time.Duration{250 * time.Millisecond, 1 * time.Second},
		InitDelayDirect:     300 * time.Millisecond,
		InitDelayMux:        1200 * time.Millisecond,
		ProcessingThreshold: 3 * time.Second,
		AutoReattach:        true,
		MuxEnabled:          true,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "muxdock", "muxdockd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxdockd.sock"
	}
	return filepath.Join(home, ".local", "state", "muxdock", "muxdockd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "muxdock.db"
	}
	return filepath.Join(home, ".local", "state", "muxdock", "entities.db")
}
