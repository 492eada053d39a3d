package tagbatch

import (
	"context"
	"io/fs"
	"iter"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

var errScanStopped = errors.Base("scan terminated by consumer")

type Scanner interface {
	ScanFolder(ctx context.Context, rootPath string, recursive bool) iter.Seq2[TagSet, error]
	ScanFile(ctx context.Context, filePath string) (TagSet, error)
}

// FilesystemScanner finds audio files by extension and reads their tags
// through a TagIO.
type FilesystemScanner struct {
	config     *Config
	io         TagIO
	extensions map[string]bool
}

func NewFilesystemScanner(config *Config, io TagIO) (*FilesystemScanner, error) {
	for _, pattern := range config.ExcludePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Errorf("invalid exclude pattern: %s", pattern)
		}
	}

	extensions := make(map[string]bool, len(config.Extensions))
	for _, ext := range config.Extensions {
		extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	return &FilesystemScanner{
		config:     config,
		io:         io,
		extensions: extensions,
	}, nil
}

func (s *FilesystemScanner) ScanFolder(ctx context.Context, rootPath string, recursive bool) iter.Seq2[TagSet, error] {
	return func(yield func(TagSet, error) bool) {
		if err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err != nil {
				if !yield(nil, err) {
					return errScanStopped
				}
				return nil
			}

			relPath, _ := filepath.Rel(rootPath, path)
			if d.IsDir() {
				if path == rootPath {
					return nil
				}
				if !recursive || slices.Contains(s.config.ExcludeDirs, d.Name()) || s.excluded(relPath) {
					return filepath.SkipDir
				}
				return nil
			}

			if !s.Accepts(path) || s.excluded(relPath) {
				return nil
			}

			tags, err := s.ScanFile(ctx, path)
			if !yield(tags, err) {
				return errScanStopped
			}
			return nil
		}); err != nil && ctx.Err() == nil && !errors.Is(err, errScanStopped) {
			yield(nil, err)
		}
	}
}

// Accepts reports whether path has one of the configured extensions.
func (s *FilesystemScanner) Accepts(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return s.extensions[ext]
}

func (s *FilesystemScanner) excluded(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range s.config.ExcludePatterns {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}

func (s *FilesystemScanner) ScanFile(ctx context.Context, filePath string) (TagSet, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, ioFailure("read", filePath, err)
	}
	return s.io.ReadTags(ctx, absPath)
}

// LoadFolder scans rootPath into table. Files that cannot be read are
// logged and left out.
func LoadFolder(ctx context.Context, table *Table, scanner Scanner, rootPath string, recursive, appendRows bool) ([]RowID, error) {
	logger := zerolog.Ctx(ctx)

	var tagsets []TagSet
	for tags, err := range scanner.ScanFolder(ctx, rootPath, recursive) {
		if err != nil {
			logger.Warn().Err(err).Msg("skipping unreadable file")
			continue
		}
		tagsets = append(tagsets, tags)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(tagsets, func(a, b TagSet) int {
		return strings.Compare(a.Filename(), b.Filename())
	})
	return table.Load(ctx, tagsets, appendRows)
}
