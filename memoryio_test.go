package tagbatch_test

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thrawn01/tagbatch"
	"gitlab.com/tozd/go/errors"
)

// memoryIO is a TagIO over an in-memory file tree. Writes and renames can be
// made to fail a given number of times per path.
type memoryIO struct {
	mu          sync.Mutex
	files       map[string]tagbatch.TagSet
	failWrites  map[string]int
	failRenames map[string]int
	writes      []string
	renames     []string
}

func newMemoryIO() *memoryIO {
	return &memoryIO{
		files:       make(map[string]tagbatch.TagSet),
		failWrites:  make(map[string]int),
		failRenames: make(map[string]int),
	}
}

// add creates a file with fields and returns its tag-set.
func (m *memoryIO) add(path string, fields map[string]string) tagbatch.TagSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := tagbatch.NewTagSet(path)
	for key, value := range fields {
		tags.Set(key, value)
	}
	m.files[path] = tags.Fields()
	return tags
}

func (m *memoryIO) fields(path string) (tagbatch.TagSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.files[path]
	return fields.Clone(), ok
}

func (m *memoryIO) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for path := range m.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (m *memoryIO) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *memoryIO) ReadTags(_ context.Context, path string) (tagbatch.TagSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields, ok := m.files[path]
	if !ok {
		return nil, &tagbatch.IOFailure{Op: "read", Path: path, Err: os.ErrNotExist}
	}
	tags := tagbatch.NewTagSet(path)
	for key, values := range fields.Clone() {
		tags[key] = values
	}
	return tags, nil
}

func (m *memoryIO) WriteTags(_ context.Context, path string, tags tagbatch.TagSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites[path] > 0 {
		m.failWrites[path]--
		return &tagbatch.IOFailure{Op: "write", Path: path, Err: errors.New("disk full")}
	}
	if _, ok := m.files[path]; !ok {
		return &tagbatch.IOFailure{Op: "write", Path: path, Err: os.ErrNotExist}
	}
	m.files[path] = tags.Fields()
	m.writes = append(m.writes, path)
	return nil
}

func (m *memoryIO) Rename(_ context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldPath == newPath {
		return nil
	}
	if m.failRenames[oldPath] > 0 {
		m.failRenames[oldPath]--
		return &tagbatch.IOFailure{Op: "rename", Path: oldPath, Err: errors.New("permission denied")}
	}

	var moves [][2]string
	for path := range m.files {
		if path == newPath || strings.HasPrefix(path, newPath+"/") {
			return &tagbatch.IOFailure{Op: "rename", Path: oldPath, Err: tagbatch.ErrTargetExists}
		}
		if path == oldPath {
			moves = append(moves, [2]string{path, newPath})
		} else if strings.HasPrefix(path, oldPath+"/") {
			moves = append(moves, [2]string{path, newPath + strings.TrimPrefix(path, oldPath)})
		}
	}
	if len(moves) == 0 {
		return &tagbatch.IOFailure{Op: "rename", Path: oldPath, Err: os.ErrNotExist}
	}

	for _, move := range moves {
		m.files[move[1]] = m.files[move[0]]
		delete(m.files, move[0])
	}
	m.renames = append(m.renames, oldPath)
	return nil
}

func loadRows(t *testing.T, table *tagbatch.Table, tagsets ...tagbatch.TagSet) []tagbatch.RowID {
	t.Helper()
	rows, err := table.Load(context.Background(), tagsets, false)
	require.NoError(t, err)
	return rows
}

// recordingPrompter answers with decisions in order, then SKIP.
type recordingPrompter struct {
	decisions []tagbatch.Decision
	failures  []tagbatch.Failure
}

func (p *recordingPrompter) Decide(_ context.Context, failure tagbatch.Failure) tagbatch.Decision {
	p.failures = append(p.failures, failure)
	if len(p.decisions) == 0 {
		return tagbatch.DecisionSkip
	}
	decision := p.decisions[0]
	p.decisions = p.decisions[1:]
	return decision
}

// cancelAfter requests cancellation once done rows were reported.
type cancelAfter struct {
	rows     int
	reported int
}

func (p *cancelAfter) ReportProgress(done, _ int) {
	p.reported = done
}

func (p *cancelAfter) IsCancelled() bool {
	return p.reported >= p.rows
}
