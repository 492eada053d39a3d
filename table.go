package tagbatch

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// RowID addresses a row. IDs are never reused, so a reload makes old IDs stale.
type RowID uint64

type EventKind int

const (
	EventLoad EventKind = iota
	EventCommit
	EventUndo
	EventRemove
	EventRename
)

// Event is delivered to subscribers after a change has completed.
type Event struct {
	Kind  EventKind
	Rows  []RowID
	Level int
}

// Table owns the authoritative tag-sets and their undo history. Commits are
// expected from a single writer; readers may call Get and Rows concurrently.
type Table struct {
	mu        sync.RWMutex
	io        TagIO
	rows      map[RowID]TagSet
	order     []RowID
	nextID    RowID
	undo      undoStack
	listeners []func(Event)
}

func NewTable(io TagIO) *Table {
	return &Table{
		io:   io,
		rows: make(map[RowID]TagSet),
	}
}

// Subscribe registers fn to be called after every completed change.
func (t *Table) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Table) notify(event Event) {
	t.mu.RLock()
	listeners := append([]func(Event){}, t.listeners...)
	t.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Load adds rows for tagsets. Unless appendRows is set, existing rows and all
// undo history are discarded first.
func (t *Table) Load(ctx context.Context, tagsets []TagSet, appendRows bool) ([]RowID, error) {
	for _, tags := range tagsets {
		if tags.Filename() == "" {
			return nil, errors.New("tag-set without __filename")
		}
	}

	t.mu.Lock()
	if !appendRows {
		t.rows = make(map[RowID]TagSet)
		t.order = nil
		t.undo.reset()
	}

	ids := make([]RowID, 0, len(tagsets))
	for _, tags := range tagsets {
		t.nextID++
		t.rows[t.nextID] = tags.Clone()
		t.order = append(t.order, t.nextID)
		ids = append(ids, t.nextID)
	}
	t.mu.Unlock()

	zerolog.Ctx(ctx).Debug().Int("rows", len(ids)).Bool("append", appendRows).Msg("loaded rows")
	t.notify(Event{Kind: EventLoad, Rows: ids})
	return ids, nil
}

func (t *Table) Clear() {
	t.mu.Lock()
	t.rows = make(map[RowID]TagSet)
	t.order = nil
	t.undo.reset()
	t.mu.Unlock()

	t.notify(Event{Kind: EventLoad})
}

func (t *Table) Remove(id RowID) error {
	t.mu.Lock()
	if _, ok := t.rows[id]; !ok {
		t.mu.Unlock()
		return errors.Errorf("row %d: %w", id, ErrRowNotFound)
	}
	delete(t.rows, id)
	for i, row := range t.order {
		if row == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	t.notify(Event{Kind: EventRemove, Rows: []RowID{id}})
	return nil
}

// Get returns a copy of the row's tag-set.
func (t *Table) Get(id RowID) (TagSet, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tags, ok := t.rows[id]
	if !ok {
		return nil, errors.Errorf("row %d: %w", id, ErrRowNotFound)
	}
	return tags.Clone(), nil
}

// Rows returns the row IDs in load order.
func (t *Table) Rows() []RowID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]RowID(nil), t.order...)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// KnownKeys returns the sorted union of tag keys over ids. Stale ids are
// ignored.
func (t *Table) KnownKeys(ids []RowID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	for _, id := range ids {
		for key := range t.rows[id] {
			seen[key] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Filter returns the rows whose tag value contains text. The tag __all
// matches against every value; empty text matches every row.
func (t *Table) Filter(tag, text string) []RowID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tag = normalizeKey(tag)
	var visible []RowID
	for _, id := range t.order {
		if text == "" || rowContains(t.rows[id], tag, text) {
			visible = append(visible, id)
		}
	}
	return visible
}

func rowContains(tags TagSet, tag, text string) bool {
	if tag != KeyAll {
		return strings.Contains(tags.Get(tag), text)
	}
	for _, values := range tags {
		for _, value := range values {
			if strings.Contains(value, text) {
				return true
			}
		}
	}
	return false
}

// UndoLevel returns the number of undoable levels.
func (t *Table) UndoLevel() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.undo.level
}

// UndoFrames returns the number of frames on the undo stack.
func (t *Table) UndoFrames() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.undo.frames)
}

// BeginLevel opens a logical action. Every Commit until the matching
// EndLevel is undone together. Nested brackets join the outer level.
func (t *Table) BeginLevel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo.begin()
}

func (t *Table) EndLevel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo.end()
}

// Commit merges changes into the row and persists it. An empty value deletes
// a tag. With rename set, __path names the new file inside the row's folder;
// otherwise reserved keys are ignored. On failure the row is left untouched
// and no undo frame is pushed.
func (t *Table) Commit(ctx context.Context, id RowID, changes Changes, rename bool) error {
	t.mu.Lock()
	committed, err := t.commit(ctx, id, changes, rename)
	level := t.undo.pending
	t.mu.Unlock()

	if err != nil || !committed {
		return err
	}
	t.notify(Event{Kind: EventCommit, Rows: []RowID{id}, Level: level})
	return nil
}

func (t *Table) commit(ctx context.Context, id RowID, changes Changes, rename bool) (bool, error) {
	current, ok := t.rows[id]
	if !ok {
		return false, errors.Errorf("row %d: %w", id, ErrRowNotFound)
	}
	if len(changes) == 0 {
		return false, nil
	}

	updated := current.Merge(changes)
	oldPath := current.Filename()
	newPath := oldPath
	if rename {
		if name, ok := renameTarget(changes); ok {
			newPath = filepath.Join(current.Folder(), name)
			if !insideFolder(current.Folder(), newPath) {
				return false, ioFailure("rename", oldPath, errors.Errorf("%s: %w", name, ErrOutsideFolder))
			}
			updated.SetFilename(newPath)
		}
	}

	fieldsChanged := !current.Fields().Equal(updated.Fields())
	renamed := newPath != oldPath
	if !fieldsChanged && !renamed {
		return false, nil
	}

	logger := zerolog.Ctx(ctx)
	if renamed {
		if err := t.io.Rename(ctx, oldPath, newPath); err != nil {
			return false, ioFailure("rename", oldPath, err)
		}
	}
	if fieldsChanged {
		if err := t.io.WriteTags(ctx, newPath, updated); err != nil {
			if renamed {
				if rerr := t.io.Rename(ctx, newPath, oldPath); rerr != nil {
					logger.Error().Err(rerr).Str("path", newPath).Msg("rename rollback failed")
				}
			}
			return false, ioFailure("write", newPath, err)
		}
	}

	if !t.undo.open() {
		t.undo.begin()
		defer t.undo.end()
	}
	t.undo.push(id, current)
	t.rows[id] = updated

	logger.Debug().Uint64("row", uint64(id)).Str("path", newPath).Int("level", t.undo.pending).Msg("committed")
	return true, nil
}

// insideFolder reports whether path lies strictly below folder.
func insideFolder(folder, path string) bool {
	rel, err := filepath.Rel(folder, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func renameTarget(changes Changes) (string, bool) {
	for key, values := range changes {
		if normalizeKey(key) == KeyPath && !Deletes(values) {
			return values[0], true
		}
	}
	return "", false
}

// Undo restores every row touched in the most recent level, in reverse
// commit order. It is a no-op on an empty stack. Rows removed since are
// skipped; restore failures are returned together after the level is popped.
func (t *Table) Undo(ctx context.Context) error {
	t.mu.Lock()
	if t.undo.open() {
		t.mu.Unlock()
		return errors.New("cannot undo while a level is open")
	}

	frames := t.undo.pop()
	if len(frames) == 0 {
		t.mu.Unlock()
		return nil
	}

	logger := zerolog.Ctx(ctx)
	var errs []error
	var restored []RowID
	for i := len(frames) - 1; i >= 0; i-- {
		frame := frames[i]
		current, ok := t.rows[frame.row]
		if !ok {
			logger.Debug().Uint64("row", uint64(frame.row)).Msg("undo skipped removed row")
			continue
		}
		if err := t.restore(ctx, current, frame.snapshot); err != nil {
			errs = append(errs, err)
			continue
		}
		t.rows[frame.row] = frame.snapshot
		restored = append(restored, frame.row)
	}
	level := t.undo.level
	t.mu.Unlock()

	logger.Info().Int("rows", len(restored)).Int("level", level).Msg("undo")
	t.notify(Event{Kind: EventUndo, Rows: restored, Level: level})
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (t *Table) restore(ctx context.Context, current, snapshot TagSet) error {
	currentPath, snapshotPath := current.Filename(), snapshot.Filename()
	if currentPath != snapshotPath {
		if err := t.io.Rename(ctx, currentPath, snapshotPath); err != nil {
			return ioFailure("rename", currentPath, err)
		}
	}
	if !current.Fields().Equal(snapshot.Fields()) {
		if err := t.io.WriteTags(ctx, snapshotPath, snapshot); err != nil {
			return ioFailure("write", snapshotPath, err)
		}
	}
	return nil
}

// RenameFolder renames a folder on disk and moves every row under it.
func (t *Table) RenameFolder(ctx context.Context, oldFolder, newFolder string) error {
	if err := t.io.Rename(ctx, oldFolder, newFolder); err != nil {
		return ioFailure("rename", oldFolder, err)
	}
	moved := t.RenameFolderPaths(oldFolder, newFolder)
	zerolog.Ctx(ctx).Info().Str("from", oldFolder).Str("to", newFolder).Int("rows", len(moved)).Msg("renamed folder")
	return nil
}

// RenameFolderPaths rewrites the derived path fields of rows, and of undo
// snapshots, that live under oldFolder after it was renamed to newFolder.
func (t *Table) RenameFolderPaths(oldFolder, newFolder string) []RowID {
	t.mu.Lock()
	var moved []RowID
	for _, id := range t.order {
		if relocate(t.rows[id], oldFolder, newFolder) {
			moved = append(moved, id)
		}
	}
	for _, frame := range t.undo.frames {
		relocate(frame.snapshot, oldFolder, newFolder)
	}
	t.mu.Unlock()

	if len(moved) > 0 {
		t.notify(Event{Kind: EventRename, Rows: moved})
	}
	return moved
}

func relocate(tags TagSet, oldFolder, newFolder string) bool {
	filename := tags.Filename()
	rel, err := filepath.Rel(oldFolder, filename)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	tags.SetFilename(filepath.Join(newFolder, rel))
	return true
}
