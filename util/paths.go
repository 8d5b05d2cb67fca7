package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory when set
const DataDirEnv = "AURAMESH_DIR"

// GetDataDir returns the data directory path
func GetDataDir() (string, error) {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(home, ".auramesh-data"), nil
}

// GetNodeDir returns the per-node directory under base, creating it
func GetNodeDir(base, nodeID string) (string, error) {
	dir := filepath.Join(base, nodeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create node dir: %w", err)
	}
	return dir, nil
}

// SessionsPath is where a node persists its peer sessions
func SessionsPath(nodeDir string) string {
	return filepath.Join(nodeDir, "sessions.json")
}

// ConnectionEventsPath is the node's append-only connection lifecycle log
func ConnectionEventsPath(nodeDir string) string {
	return filepath.Join(nodeDir, "connection_events.jsonl")
}
