package tagbatch

import (
	"context"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Progress is polled once per row. A cancelled batch stops before the next
// row; a row already being committed always finishes.
type Progress interface {
	ReportProgress(done, total int)
	IsCancelled() bool
}

// Prompter decides how a batch continues after an I/O failure. It is not
// consulted again once SKIP_ALL was chosen within the same batch.
type Prompter interface {
	Decide(ctx context.Context, failure Failure) Decision
}

type Executor interface {
	RunAction(ctx context.Context, rows []RowID, chain Chain) (*BatchResult, error)
	RunQuickAction(ctx context.Context, cells []Cells, chain Chain) (*BatchResult, error)
	PreviewAction(rows []RowID, chain Chain) (Changes, error)
	PreviewQuickAction(cells []Cells, chain Chain) (Changes, error)
	TagsFromFilename(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error)
	PreviewTagsFromFilename(rows []RowID, pattern *Pattern) (TagSet, error)
	RenameFromTags(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error)
	PreviewRename(rows []RowID, pattern *Pattern) (string, error)
	RenameFolder(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error)
	PreviewRenameFolder(rows []RowID, pattern *Pattern) (FolderRename, error)
	ApplyCombination(ctx context.Context, rows []RowID, edits map[string]string) (*BatchResult, error)
	NumberTracks(ctx context.Context, rows []RowID, start int, total string) (*BatchResult, error)
	ApplyTagList(ctx context.Context, rows []RowID, list []Changes) (*BatchResult, error)
	Undo(ctx context.Context) error
}

var errEmptySelection = errors.Base("empty selection")

type ExecutorOptions struct {
	Progress Progress
	Prompter Prompter
}

type DefaultExecutor struct {
	table    *Table
	config   *Config
	progress Progress
	prompter Prompter
}

func NewDefaultExecutor(table *Table, config *Config, options ExecutorOptions) *DefaultExecutor {
	e := &DefaultExecutor{
		table:    table,
		config:   config,
		progress: options.Progress,
		prompter: options.Prompter,
	}
	if e.progress == nil {
		e.progress = nopProgress{}
	}
	if e.prompter == nil {
		e.prompter = FixedPrompter{Decision: DecisionSkip}
	}
	return e
}

// WithPrompter returns a copy of the executor that consults prompter.
func (e *DefaultExecutor) WithPrompter(prompter Prompter) *DefaultExecutor {
	clone := *e
	clone.prompter = prompter
	return &clone
}

func (e *DefaultExecutor) Table() *Table {
	return e.table
}

type nopProgress struct{}

func (nopProgress) ReportProgress(int, int) {}
func (nopProgress) IsCancelled() bool       { return false }

// FixedPrompter answers every failure with the same decision.
type FixedPrompter struct {
	Decision Decision
}

func (p FixedPrompter) Decide(context.Context, Failure) Decision {
	return p.Decision
}

type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeUnchanged
	outcomeUnmatched
)

// rowStep processes the i-th selected row.
type rowStep func(ctx context.Context, i int, id RowID, tags TagSet) (outcome, error)

// planFunc computes the changes for the i-th selected row.
type planFunc func(i int, tags TagSet) (Changes, error)

// run drives one batch: rows are processed strictly in order inside a single
// undo level, cancellation is checked between rows, and I/O failures go
// through the prompter unless SKIP_ALL is already in effect.
func (e *DefaultExecutor) run(ctx context.Context, operation string, rows []RowID, step rowStep) *BatchResult {
	result := &BatchResult{
		ID:        uuid.NewString(),
		Operation: operation,
		State:     StateRunning,
		Total:     len(rows),
		Committed: []RowID{},
	}

	logger := zerolog.Ctx(ctx).With().Str("batch", result.ID).Str("op", operation).Logger()
	ctx = logger.WithContext(ctx)
	logger.Debug().Int("rows", len(rows)).Msg("batch started")

	e.table.BeginLevel()
	defer e.table.EndLevel()

	suppress := false
	for i, id := range rows {
		if e.progress.IsCancelled() || ctx.Err() != nil {
			result.State = StateCancelled
			break
		}

		aborted := false
		tags, err := e.table.Get(id)
		var out outcome
		if err == nil {
			out, err = step(ctx, i, id, tags)
		}

		switch {
		case err == nil && out == outcomeCommitted:
			result.Committed = append(result.Committed, id)
		case err == nil && out == outcomeUnchanged:
			result.Unchanged = append(result.Unchanged, id)
		case err == nil && out == outcomeUnmatched, errors.Is(err, ErrPatternMismatch):
			result.Unmatched = append(result.Unmatched, id)
		case IsIOFailure(err):
			failure := RowFailure{Row: id, Path: tags.Filename(), Error: err.Error(), Decision: DecisionSkip}
			if !suppress {
				failure.Prompted = true
				failure.Decision = e.prompter.Decide(ctx, Failure{
					Row:     id,
					Path:    tags.Filename(),
					Message: err.Error(),
					Err:     err,
				})
			}
			switch failure.Decision {
			case DecisionSkipAll:
				suppress = true
			case DecisionAbort:
				aborted = true
			}
			logger.Warn().Err(err).Str("path", failure.Path).Stringer("decision", failure.Decision).Msg("row failed")
			result.Failed = append(result.Failed, failure)
		default:
			logger.Warn().Err(err).Uint64("row", uint64(id)).Msg("row skipped")
			result.Failed = append(result.Failed, RowFailure{Row: id, Path: tags.Filename(), Error: err.Error()})
		}

		e.progress.ReportProgress(i+1, len(rows))
		if aborted {
			result.State = StateCancelled
			break
		}
	}

	if result.State == StateRunning {
		result.State = StateCompleted
	}

	logger.Info().
		Stringer("state", result.State).
		Int("committed", len(result.Committed)).
		Int("failed", len(result.Failed)).
		Int("unmatched", len(result.Unmatched)).
		Msg("batch finished")
	return result
}

// commitStep commits the changes returned by plan, minus those that would
// not change the row. A __path change renames the file.
func (e *DefaultExecutor) commitStep(plan planFunc) rowStep {
	return func(ctx context.Context, i int, id RowID, tags TagSet) (outcome, error) {
		changes, err := plan(i, tags)
		if err != nil {
			return outcomeUnmatched, err
		}

		changes = effectiveChanges(tags, changes)
		if len(changes) == 0 {
			return outcomeUnchanged, nil
		}

		_, rename := changes[KeyPath]
		if err := e.table.Commit(ctx, id, changes, rename); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCommitted, nil
	}
}

func effectiveChanges(tags TagSet, changes Changes) Changes {
	effective := Changes{}
	for key, values := range changes {
		key = normalizeKey(key)
		if IsReserved(key) && key != KeyPath {
			continue
		}
		current, exists := tags[key]
		if Deletes(values) {
			if exists && key != KeyPath {
				effective[key] = []string{""}
			}
			continue
		}
		if !slices.Equal(current, values) {
			effective[key] = values
		}
	}
	return effective
}

// RunAction applies chain to every target tag of every selected row.
func (e *DefaultExecutor) RunAction(ctx context.Context, rows []RowID, chain Chain) (*BatchResult, error) {
	expanded := chain.Expand(e.table.KnownKeys(rows), e.config.BlobTags)
	return e.run(ctx, "action", rows, e.commitStep(func(_ int, tags TagSet) (Changes, error) {
		return expanded.Evaluate(tags), nil
	})), nil
}

// RunQuickAction applies chain only to the selected cells of each row.
func (e *DefaultExecutor) RunQuickAction(ctx context.Context, cells []Cells, chain Chain) (*BatchResult, error) {
	rows := make([]RowID, len(cells))
	for i, cell := range cells {
		rows[i] = cell.Row
	}

	expanded := chain.Expand(e.table.KnownKeys(rows), e.config.BlobTags)
	return e.run(ctx, "quick-action", rows, e.commitStep(func(i int, tags TagSet) (Changes, error) {
		return expanded.Restrict(cells[i].Tags).Evaluate(tags), nil
	})), nil
}

// PreviewAction evaluates chain against the first selected row.
func (e *DefaultExecutor) PreviewAction(rows []RowID, chain Chain) (Changes, error) {
	tags, err := e.first(rows)
	if err != nil {
		return nil, err
	}
	return chain.Expand(e.table.KnownKeys(rows), e.config.BlobTags).Evaluate(tags), nil
}

// PreviewQuickAction evaluates chain against the selected cells of the first
// row, expanding __all over the whole selection before restricting to them.
func (e *DefaultExecutor) PreviewQuickAction(cells []Cells, chain Chain) (Changes, error) {
	if len(cells) == 0 {
		return nil, errEmptySelection
	}
	rows := make([]RowID, len(cells))
	for i, cell := range cells {
		rows[i] = cell.Row
	}
	tags, err := e.table.Get(rows[0])
	if err != nil {
		return nil, err
	}
	expanded := chain.Expand(e.table.KnownKeys(rows), e.config.BlobTags)
	return expanded.Restrict(cells[0].Tags).Evaluate(tags), nil
}

// TagsFromFilename sets tags parsed from each row's file name.
func (e *DefaultExecutor) TagsFromFilename(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error) {
	if pattern == nil {
		return nil, errors.New("pattern is required")
	}
	return e.run(ctx, "tags-from-filename", rows, e.commitStep(func(_ int, tags TagSet) (Changes, error) {
		parsed, err := pattern.TagsFromFilename(tags)
		if err != nil {
			return nil, err
		}
		return Changes(parsed), nil
	})), nil
}

// PreviewTagsFromFilename parses the first selected row without committing.
func (e *DefaultExecutor) PreviewTagsFromFilename(rows []RowID, pattern *Pattern) (TagSet, error) {
	tags, err := e.first(rows)
	if err != nil {
		return nil, err
	}
	return pattern.TagsFromFilename(tags)
}

// RenameFromTags renames each row's file to the rendered pattern.
func (e *DefaultExecutor) RenameFromTags(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error) {
	if pattern == nil {
		return nil, errors.New("pattern is required")
	}
	return e.run(ctx, "rename", rows, e.commitStep(func(_ int, tags TagSet) (Changes, error) {
		name, err := renderName(pattern, tags)
		if err != nil {
			return nil, err
		}
		return Changes{KeyPath: {name}}, nil
	})), nil
}

func renderName(pattern *Pattern, tags TagSet) (string, error) {
	name := pattern.RenderFilename(tags)
	if name == "" || name == "."+tags.Ext() {
		return "", errors.Errorf("pattern %q renders an empty file name", pattern.String())
	}
	return name, nil
}

// PreviewRename returns the new path of the first selected row.
func (e *DefaultExecutor) PreviewRename(rows []RowID, pattern *Pattern) (string, error) {
	tags, err := e.first(rows)
	if err != nil {
		return "", err
	}
	name, err := renderName(pattern, tags)
	if err != nil {
		return "", err
	}
	return filepath.Join(tags.Folder(), name), nil
}

// RenameFolder renames each distinct folder of the selection once, using
// the first selected row inside it. Folder renames are not undoable, but
// existing undo frames are moved along with the rows.
func (e *DefaultExecutor) RenameFolder(ctx context.Context, rows []RowID, pattern *Pattern) (*BatchResult, error) {
	if pattern == nil {
		return nil, errors.New("pattern is required")
	}

	seen := make(map[string]bool)
	var firsts []RowID
	for _, id := range rows {
		tags, err := e.table.Get(id)
		if err != nil {
			firsts = append(firsts, id)
			continue
		}
		if !seen[tags.Folder()] {
			seen[tags.Folder()] = true
			firsts = append(firsts, id)
		}
	}

	return e.run(ctx, "rename-folder", firsts, func(ctx context.Context, _ int, _ RowID, tags TagSet) (outcome, error) {
		target := folderTarget(pattern, tags)
		if target.To == target.From {
			return outcomeUnchanged, nil
		}
		if err := e.table.RenameFolder(ctx, target.From, target.To); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCommitted, nil
	}), nil
}

func folderTarget(pattern *Pattern, tags TagSet) FolderRename {
	folder := tags.Folder()
	name := filepath.Base(SafeName(pattern.Render(tags)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return FolderRename{From: folder, To: folder}
	}
	return FolderRename{From: folder, To: filepath.Join(filepath.Dir(folder), name)}
}

// PreviewRenameFolder returns the rename the first selected row would cause.
func (e *DefaultExecutor) PreviewRenameFolder(rows []RowID, pattern *Pattern) (FolderRename, error) {
	tags, err := e.first(rows)
	if err != nil {
		return FolderRename{}, err
	}
	return folderTarget(pattern, tags), nil
}

// ApplyCombination writes field selections made over a multi row selection.
func (e *DefaultExecutor) ApplyCombination(ctx context.Context, rows []RowID, edits map[string]string) (*BatchResult, error) {
	changes := ResolveEdits(edits)
	return e.run(ctx, "set", rows, e.commitStep(func(_ int, tags TagSet) (Changes, error) {
		return withoutJoined(tags, changes), nil
	})), nil
}

// NumberTracks numbers the selected rows from start, as "n" or "n/total".
func (e *DefaultExecutor) NumberTracks(ctx context.Context, rows []RowID, start int, total string) (*BatchResult, error) {
	return e.run(ctx, "number", rows, e.commitStep(func(i int, _ TagSet) (Changes, error) {
		track := strconv.Itoa(start + i)
		if total != "" {
			track += "/" + total
		}
		return Changes{"track": {track}}, nil
	})), nil
}

// ApplyTagList commits list[i] to the i-th selected row. Rows beyond the end
// of the list are left alone.
func (e *DefaultExecutor) ApplyTagList(ctx context.Context, rows []RowID, list []Changes) (*BatchResult, error) {
	if len(rows) > len(list) {
		rows = rows[:len(list)]
	}
	return e.run(ctx, "import", rows, e.commitStep(func(i int, _ TagSet) (Changes, error) {
		return list[i], nil
	})), nil
}

func (e *DefaultExecutor) Undo(ctx context.Context) error {
	return e.table.Undo(ctx)
}

func (e *DefaultExecutor) first(rows []RowID) (TagSet, error) {
	if len(rows) == 0 {
		return nil, errEmptySelection
	}
	return e.table.Get(rows[0])
}
