// Package local implements a filesystem-backed checkpoint store.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

const (
	currentFile   = "checkpoint.json"
	historyPrefix = "checkpoint_"
	historyKept   = 20
)

// Config captures the parameters for the local checkpoint store.
type Config struct {
	// Dir is the directory holding the current checkpoint and its history.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// KeepHistory retains timestamped copies of each snapshot for audit.
	KeepHistory bool `mapstructure:"keep_history" yaml:"keep_history"`
}

// Store persists the checkpoint document as a single JSON file, replaced
// atomically on every save.
type Store struct {
	dir         string
	keepHistory bool
	clock       scheduler.Clock
}

// New creates a local checkpoint store rooted at cfg.Dir.
func New(cfg Config, clock scheduler.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{dir: cfg.Dir, keepHistory: cfg.KeepHistory, clock: clock}, nil
}

// Save writes the checkpoint to a temp file and renames it over the current
// one, so a crash mid-write never leaves a torn document.
func (s *Store) Save(_ context.Context, cp scheduler.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, currentFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	if s.keepHistory {
		name := historyPrefix + cp.Timestamp.UTC().Format("20060102_150405") + ".json"
		if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
			return fmt.Errorf("write checkpoint history: %w", err)
		}
		if err := s.pruneHistory(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the current checkpoint, or scheduler.ErrNoCheckpoint when none
// has been written yet.
func (s *Store) Load(_ context.Context) (scheduler.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if os.IsNotExist(err) {
		return scheduler.Checkpoint{}, scheduler.ErrNoCheckpoint
	}
	if err != nil {
		return scheduler.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp scheduler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return scheduler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != scheduler.CheckpointVersion {
		return scheduler.Checkpoint{}, fmt.Errorf(
			"unsupported checkpoint version %d (want %d)", cp.Version, scheduler.CheckpointVersion)
	}
	return cp, nil
}

func (s *Store) pruneHistory() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list checkpoint history: %w", err)
	}
	var history []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), historyPrefix) && strings.HasSuffix(e.Name(), ".json") {
			history = append(history, e.Name())
		}
	}
	if len(history) <= historyKept {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(history)
	for _, name := range history[:len(history)-historyKept] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("prune checkpoint history: %w", err)
		}
	}
	return nil
}
