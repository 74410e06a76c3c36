package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
)

// FileStore keeps checkpoints as JSON files in a directory, one per session,
// for runs without a database. Writes go through a temp file and a rename so
// a crash never leaves a torn checkpoint.
type FileStore struct {
	dir string
	log *zap.Logger
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed. A leading "~" is expanded.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &FileStore{dir: expanded, log: logger.Named("file_store")}, nil
}

// Dir returns the expanded checkpoint directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(sessionID, suffix string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(f.dir, sessionID+suffix), nil
}

// SaveState writes the checkpoint for state.SessionID.
func (f *FileStore) SaveState(_ context.Context, state *pipeline.RunState) error {
	path, err := f.path(state.SessionID, ".json")
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for session %s: %w", state.SessionID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(path, doc); err != nil {
		return fmt.Errorf("failed to save state for session %s: %w", state.SessionID, err)
	}
	f.log.Debug("Checkpoint saved", zap.String("path", path), zap.Stringer("next_step", state.NextStep))
	return nil
}

// LoadState reads a checkpoint. It returns ErrStateNotFound for unknown sessions.
func (f *FileStore) LoadState(_ context.Context, sessionID string) (*pipeline.RunState, error) {
	path, err := f.path(sessionID, ".json")
	if err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrStateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state pipeline.RunState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for session %s: %w", sessionID, err)
	}
	return &state, nil
}

// SaveBugs merges bugs into the per-session bug file, replacing bugs with the
// same id.
func (f *FileStore) SaveBugs(_ context.Context, bugs []schemas.Bug) error {
	bySession := make(map[string][]schemas.Bug)
	for _, b := range bugs {
		bySession[b.SessionID] = append(bySession[b.SessionID], b)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, incoming := range bySession {
		path, err := f.path(sessionID, ".bugs.json")
		if err != nil {
			return err
		}
		existing, err := readBugs(path)
		if err != nil {
			return err
		}

		merged := make(map[string]schemas.Bug, len(existing)+len(incoming))
		for _, b := range existing {
			merged[b.ID] = b
		}
		for _, b := range incoming {
			merged[b.ID] = b
		}
		out := make([]schemas.Bug, 0, len(merged))
		for _, b := range merged {
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})

		doc, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode bugs: %w", err)
		}
		if err := writeAtomic(path, doc); err != nil {
			return fmt.Errorf("failed to save bugs for session %s: %w", sessionID, err)
		}
	}
	return nil
}

// LoadBugs returns the bugs saved for a session.
func (f *FileStore) LoadBugs(sessionID string) ([]schemas.Bug, error) {
	path, err := f.path(sessionID, ".bugs.json")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return readBugs(path)
}

func readBugs(path string) ([]schemas.Bug, error) {
	doc, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bugs: %w", err)
	}
	var bugs []schemas.Bug
	if err := json.Unmarshal(doc, &bugs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return bugs, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
