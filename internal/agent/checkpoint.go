package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"authwatch/internal/util"
)

// Checkpoint records how far into a specific file incarnation the agent
// has shipped. Device and inode identify the incarnation so a rotated
// file is never resumed mid-stream.
type Checkpoint struct {
	Device uint64 `json:"device"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// Matches reports whether the checkpoint refers to the same file
// incarnation as the given stat.
func (c *Checkpoint) Matches(dev, ino uint64) bool {
	return c != nil && c.Device == dev && c.Inode == ino
}

// CheckpointStore persists one checkpoint file per tailed log under the
// agent state directory.
type CheckpointStore struct {
	dir    string
	logger *zap.Logger
}

func NewCheckpointStore(dir string, logger *zap.Logger) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &CheckpointStore{dir: dir, logger: logger}, nil
}

// Load returns the stored checkpoint for a log path, or nil when none
// exists. A corrupt checkpoint is treated as missing so the tailer
// falls back to tailing from the end instead of re-shipping history.
func (s *CheckpointStore) Load(logPath string) *Checkpoint {
	path := s.checkpointPath(logPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			util.Warn("Failed to read checkpoint",
				zap.String("log_file", logPath),
				zap.Error(err))
		}
		return nil
	}

	cp := &Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		util.Warn("Discarding corrupt checkpoint",
			zap.String("log_file", logPath),
			zap.Error(err))
		return nil
	}
	if cp.Offset < 0 {
		util.Warn("Discarding checkpoint with negative offset",
			zap.String("log_file", logPath))
		return nil
	}
	return cp
}

// Save writes the checkpoint atomically via a temp file rename.
func (s *CheckpointStore) Save(logPath string, cp *Checkpoint) error {
	path := s.checkpointPath(logPath)

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) checkpointPath(logPath string) string {
	name := strings.Trim(strings.ReplaceAll(logPath, string(os.PathSeparator), "_"), "_")
	return filepath.Join(s.dir, name+".checkpoint")
}

// fileIdentity extracts the device and inode pair that names a file
// incarnation.
func fileIdentity(info os.FileInfo) (dev, ino uint64, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(stat.Dev), uint64(stat.Ino), true
}
