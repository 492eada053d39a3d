package tagbatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const DefaultFilePermissions = 0644

const DefaultDirPermissions = 0755

const lockRetryDelay = 50 * time.Millisecond

// TagIO reads and writes the tags of one file. Failures are returned as
// *IOFailure.
type TagIO interface {
	ReadTags(ctx context.Context, path string) (TagSet, error)
	WriteTags(ctx context.Context, path string, tags TagSet) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// SidecarStore keeps the tags of each file in a YAML document next to it,
// <file><suffix>. Writes and renames hold an advisory lock on a per folder
// lock file.
type SidecarStore struct {
	suffix   string
	lockName string
}

func NewSidecarStore(config *Config) *SidecarStore {
	return &SidecarStore{
		suffix:   config.SidecarSuffix,
		lockName: config.LockFileName,
	}
}

func (s *SidecarStore) SidecarPath(path string) string {
	return path + s.suffix
}

func (s *SidecarStore) ReadTags(ctx context.Context, path string) (TagSet, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ioFailure("read", path, err)
	}

	tags := NewTagSet(path)
	data, err := os.ReadFile(s.SidecarPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return tags, nil
	}
	if err != nil {
		return nil, ioFailure("read", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ioFailure("read", path, errors.Errorf("malformed sidecar: %w", err))
	}

	for key, raw := range doc {
		key = normalizeKey(key)
		if IsReserved(key) {
			continue
		}
		switch v := raw.(type) {
		case nil:
		case []any:
			values := make([]string, 0, len(v))
			for _, item := range v {
				values = append(values, fmt.Sprint(item))
			}
			tags[key] = values
		default:
			tags[key] = []string{fmt.Sprint(v)}
		}
	}
	return tags, nil
}

func (s *SidecarStore) WriteTags(ctx context.Context, path string, tags TagSet) error {
	unlock, err := s.lock(ctx, filepath.Dir(path))
	if err != nil {
		return ioFailure("write", path, err)
	}
	defer unlock()

	if _, err := os.Stat(path); err != nil {
		return ioFailure("write", path, err)
	}

	fields := tags.Fields()
	sidecar := s.SidecarPath(path)
	if len(fields) == 0 {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ioFailure("write", path, err)
		}
		return nil
	}

	doc := make(map[string]any, len(fields))
	for key, values := range fields {
		if len(values) == 1 {
			doc[key] = values[0]
			continue
		}
		doc[key] = values
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return ioFailure("write", path, errors.Errorf("YAML marshal error: %w", err))
	}
	if err := os.WriteFile(sidecar, data, DefaultFilePermissions); err != nil {
		return ioFailure("write", path, err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", path).Int("fields", len(fields)).Msg("wrote tags")
	return nil
}

// Rename moves a file, or a folder, together with its sidecar. It refuses to
// replace an existing target.
func (s *SidecarStore) Rename(ctx context.Context, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}

	unlock, err := s.lock(ctx, filepath.Dir(oldPath))
	if err != nil {
		return ioFailure("rename", oldPath, err)
	}
	defer unlock()

	if _, err := os.Lstat(newPath); err == nil {
		return ioFailure("rename", oldPath, errors.Errorf("%s: %w", newPath, ErrTargetExists))
	}

	// Targets in a sub folder get their folder created and locked as well.
	if dir := filepath.Dir(newPath); dir != filepath.Dir(oldPath) {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return ioFailure("rename", oldPath, err)
		}
		unlockTarget, err := s.lock(ctx, dir)
		if err != nil {
			return ioFailure("rename", oldPath, err)
		}
		defer unlockTarget()
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return ioFailure("rename", oldPath, err)
	}

	oldSidecar, newSidecar := s.SidecarPath(oldPath), s.SidecarPath(newPath)
	if _, err := os.Stat(oldSidecar); err == nil {
		if err := os.Rename(oldSidecar, newSidecar); err != nil {
			_ = os.Rename(newPath, oldPath)
			return ioFailure("rename", oldPath, err)
		}
	}

	zerolog.Ctx(ctx).Debug().Str("from", oldPath).Str("to", newPath).Msg("renamed")
	return nil
}

func (s *SidecarStore) lock(ctx context.Context, dir string) (func(), error) {
	if s.lockName == "" {
		return func() {}, nil
	}

	fileLock := flock.New(filepath.Join(dir, s.lockName))
	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, errors.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, errors.Errorf("lock %s: not acquired", dir)
	}
	return func() { _ = fileLock.Unlock() }, nil
}
