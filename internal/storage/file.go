package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"opticbrake/internal/model"
)

const (
	snapshotDir = "snapshots"
	runDir      = "runs"
	blobExt     = ".json"
)

// FileStore writes one JSON blob per record under a root directory.
type FileStore struct {
	root string

	mu          sync.Mutex
	initialized bool
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root == "" {
		return errors.New("file store root is required")
	}
	for _, dir := range []string{snapshotDir, runDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s.initialized = true
	return nil
}

func (s *FileStore) SaveSnapshot(ctx context.Context, snapshot model.PopulationSnapshot) error {
	if err := ValidateName(snapshot.Name); err != nil {
		return err
	}
	payload, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.write(ctx, snapshotDir, snapshot.Name, payload)
}

func (s *FileStore) GetSnapshot(ctx context.Context, name string) (model.PopulationSnapshot, bool, error) {
	payload, ok, err := s.read(ctx, snapshotDir, name)
	if err != nil || !ok {
		return model.PopulationSnapshot{}, false, err
	}
	snapshot, err := DecodeSnapshot(payload)
	if err != nil {
		return model.PopulationSnapshot{}, false, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return snapshot, true, nil
}

func (s *FileStore) ListSnapshots(ctx context.Context) ([]string, error) {
	return s.list(ctx, snapshotDir)
}

func (s *FileStore) DeleteSnapshot(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	err := os.Remove(s.path(snapshotDir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	if err := ValidateName(run.ID); err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return s.write(ctx, runDir, run.ID, payload)
}

func (s *FileStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	payload, ok, err := s.read(ctx, runDir, id)
	if err != nil || !ok {
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *FileStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	ids, err := s.list(ctx, runDir)
	if err != nil {
		return nil, err
	}
	runs := make([]model.RunRecord, 0, len(ids))
	for _, id := range ids {
		run, ok, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func (s *FileStore) path(dir, name string) string {
	return filepath.Join(s.root, dir, name+blobExt)
}

// write replaces the blob atomically through a temp file in the same
// directory.
func (s *FileStore) write(ctx context.Context, dir, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, dir), "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) read(ctx context.Context, dir, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, false, errNotInitialized
	}

	payload, err := os.ReadFile(s.path(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *FileStore) list(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, errNotInitialized
	}

	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, blobExt))
	}
	sort.Strings(names)
	return names, nil
}
