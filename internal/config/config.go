package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DBPath            string
	ListenAddr        string
	WorkerCommand     string
	ReadChunkSize     int
	ReadStallTimeout  time.Duration
	PromptQueueDepth  int
	ReportMinInterval time.Duration
	MaxBatchSize      int
	IdleWarnAfter     time.Duration
	IdleStopAfter     time.Duration
	SweepInterval     time.Duration
	SessionTTL        time.Duration
	RetentionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:            defaultDBPath(),
		ListenAddr:        ":3000",
		WorkerCommand:     "claude",
		ReadChunkSize:     64 * 1024,
		ReadStallTimeout:  10 * time.Minute,
		PromptQueueDepth:  16,
		ReportMinInterval: 10 * time.Second,
		MaxBatchSize:      5,
		IdleWarnAfter:     55 * time.Minute,
		IdleStopAfter:     60 * time.Minute,
		SweepInterval:     time.Minute,
		SessionTTL:        7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}

func defaultDBPath() string {
	if dir := os.Getenv("SESSIOND_STATE_DIR"); dir != "" {
		return filepath.Join(dir, "sessions.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sessions.db"
	}
	return filepath.Join(home, ".local", "state", "sessiond", "sessions.db")
}
