package tagbatch

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Parameter structures for MCP tools. Tools that act on a selection take
// either explicit row ids or a glob matched against paths relative to the
// loaded folder; with neither, every row is selected.
type LoadFolderParams struct {
	Root      string `json:"root"`
	Recursive bool   `json:"recursive,omitempty"`
	Append    bool   `json:"append,omitempty"`
}

type ListRowsParams struct {
	Rows       []RowID  `json:"rows,omitempty"`
	Match      string   `json:"match,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	MaxResults *int     `json:"max_results,omitempty"`
}

type FilterRowsParams struct {
	Tag  string `json:"tag,omitempty"`
	Text string `json:"text"`
}

type CombineValuesParams struct {
	Rows  []RowID `json:"rows,omitempty"`
	Match string  `json:"match,omitempty"`
}

type ApplyCombinationParams struct {
	Rows    []RowID           `json:"rows,omitempty"`
	Match   string            `json:"match,omitempty"`
	Edits   map[string]string `json:"edits"`
	OnError string            `json:"on_error,omitempty"`
}

type RunActionParams struct {
	Rows     []RowID  `json:"rows,omitempty"`
	Match    string   `json:"match,omitempty"`
	Action   string   `json:"action,omitempty"`
	Function string   `json:"function,omitempty"`
	Args     []string `json:"args,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Preview  bool     `json:"preview,omitempty"`
	OnError  string   `json:"on_error,omitempty"`
}

type PatternParams struct {
	Rows    []RowID `json:"rows,omitempty"`
	Match   string  `json:"match,omitempty"`
	Pattern string  `json:"pattern"`
	Preview bool    `json:"preview,omitempty"`
	OnError string  `json:"on_error,omitempty"`
}

type NumberTracksParams struct {
	Rows    []RowID `json:"rows,omitempty"`
	Match   string  `json:"match,omitempty"`
	Start   int     `json:"start,omitempty"`
	Total   string  `json:"total,omitempty"`
	OnError string  `json:"on_error,omitempty"`
}

type UndoParams struct{}

type LoadFolderResult struct {
	Root string  `json:"root"`
	Rows []RowID `json:"rows"`
}

type UndoResult struct {
	UndoLevel int `json:"undo_level"`
	Frames    int `json:"frames"`
}

type PreviewResult struct {
	Changes Changes       `json:"changes,omitempty"`
	Rename  *FolderRename `json:"rename,omitempty"`
}

// Session is one editing session shared by every MCP tool call.
type Session struct {
	mu        sync.Mutex
	config    *Config
	validator *DefaultValidator
	table     *Table
	scanner   Scanner
	executor  *DefaultExecutor
	logger    zerolog.Logger
	root      string
}

func NewSession(config *Config, logger zerolog.Logger) (*Session, error) {
	validator := NewDefaultValidator(config)
	if err := validator.ValidateConfig(config); err != nil {
		return nil, errors.Errorf("invalid config: %w", err)
	}

	store := NewSidecarStore(config)
	scanner, err := NewFilesystemScanner(config, store)
	if err != nil {
		return nil, err
	}

	table := NewTable(store)
	return &Session{
		config:    config,
		validator: validator,
		table:     table,
		scanner:   scanner,
		executor:  NewDefaultExecutor(table, config, ExecutorOptions{}),
		logger:    logger,
	}, nil
}

func (s *Session) Table() *Table {
	return s.table
}

func (s *Session) selectRows(rows []RowID, match string) ([]RowID, error) {
	if len(rows) > 0 {
		return rows, nil
	}
	if s.root == "" {
		return nil, errors.New("no folder loaded, call load_folder first")
	}
	selected, err := SelectRows(s.table, s.root, match)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, errors.Errorf("%w: nothing matches %q", errEmptySelection, match)
	}
	return selected, nil
}

func (s *Session) executorFor(onError string) (*DefaultExecutor, error) {
	if onError == "" {
		onError = s.config.OnError
	}
	decision, err := ParseDecision(onError)
	if err != nil {
		return nil, err
	}
	return s.executor.WithPrompter(FixedPrompter{Decision: decision}), nil
}

func (s *Session) pattern(ctx context.Context, template string) (*Pattern, error) {
	warnings, err := s.validator.ValidatePattern(template)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		zerolog.Ctx(ctx).Warn().Str("pattern", template).Msg(warning)
	}
	return Compile(template), nil
}

// Tool handler functions
func LoadFolderTool(ctx context.Context, req *mcp.CallToolRequest, args LoadFolderParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	root, err := filepath.Abs(args.Root)
	if err != nil {
		return nil, nil, errors.Errorf("invalid root: %w", err)
	}
	if err := s.validator.ValidatePath(root); err != nil {
		return nil, nil, err
	}

	rows, err := LoadFolder(ctx, s.table, s.scanner, root, args.Recursive, args.Append)
	if err != nil {
		return nil, nil, errors.Errorf("failed to load folder: %w", err)
	}
	s.root = root

	return nil, LoadFolderResult{Root: root, Rows: rows}, nil
}

func ListRowsTool(ctx context.Context, req *mcp.CallToolRequest, args ListRowsParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, err
	}
	if args.MaxResults != nil && len(rows) > *args.MaxResults {
		rows = rows[:*args.MaxResults]
	}

	infos := RowInfos(s.table, rows)
	if len(args.Tags) > 0 {
		for i := range infos {
			infos[i].Tags = limitTags(infos[i].Tags, args.Tags)
		}
	}
	return nil, infos, nil
}

func limitTags(tags map[string][]string, keep []string) map[string][]string {
	limited := make(map[string][]string, len(keep))
	for _, key := range keep {
		key = normalizeKey(key)
		if values, ok := tags[key]; ok {
			limited[key] = values
		}
	}
	return limited
}

func FilterRowsTool(ctx context.Context, req *mcp.CallToolRequest, args FilterRowsParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := args.Tag
	if tag == "" {
		tag = KeyAll
	}
	return nil, RowInfos(s.table, s.table.Filter(tag, args.Text)), nil
}

func CombineValuesTool(ctx context.Context, req *mcp.CallToolRequest, args CombineValuesParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, err
	}
	return nil, Combine(selectedTagSets(s.table, rows)), nil
}

func ApplyCombinationTool(ctx context.Context, req *mcp.CallToolRequest, args ApplyCombinationParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	for key := range args.Edits {
		if err := s.validator.ValidateTagKey(key); err != nil {
			return nil, nil, err
		}
	}

	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, err
	}
	executor, err := s.executorFor(args.OnError)
	if err != nil {
		return nil, nil, err
	}

	result, err := executor.ApplyCombination(ctx, rows, args.Edits)
	if err != nil {
		return nil, nil, errors.Errorf("failed to apply combination: %w", err)
	}
	return nil, result, nil
}

func RunActionTool(ctx context.Context, req *mcp.CallToolRequest, args RunActionParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	var chain Chain
	switch {
	case args.Action != "":
		action, err := s.config.Action(args.Action)
		if err != nil {
			return nil, nil, err
		}
		chain = action
	case args.Function != "":
		fn, err := LookupFunction(args.Function, args.Args)
		if err != nil {
			return nil, nil, err
		}
		targets := args.Tags
		if len(targets) == 0 {
			targets = []string{KeyAll}
		}
		chain = NewChain(Step{Function: fn, Targets: targets})
	default:
		return nil, nil, errors.New("action or function is required")
	}

	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, err
	}
	executor, err := s.executorFor(args.OnError)
	if err != nil {
		return nil, nil, err
	}

	var cells []Cells
	if len(args.Tags) > 0 {
		cells = make([]Cells, len(rows))
		for i, id := range rows {
			cells[i] = Cells{Row: id, Tags: args.Tags}
		}
	}

	if args.Preview {
		var changes Changes
		if cells != nil {
			changes, err = executor.PreviewQuickAction(cells, chain)
		} else {
			changes, err = executor.PreviewAction(rows, chain)
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, PreviewResult{Changes: changes}, nil
	}

	var result *BatchResult
	if cells != nil {
		result, err = executor.RunQuickAction(ctx, cells, chain)
	} else {
		result, err = executor.RunAction(ctx, rows, chain)
	}
	if err != nil {
		return nil, nil, errors.Errorf("failed to run action: %w", err)
	}
	return nil, result, nil
}

func TagsFromFilenameTool(ctx context.Context, req *mcp.CallToolRequest, args PatternParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	pattern, rows, executor, err := s.patternCall(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	if args.Preview {
		parsed, err := executor.PreviewTagsFromFilename(rows, pattern)
		if err != nil {
			return nil, nil, err
		}
		return nil, PreviewResult{Changes: Changes(parsed)}, nil
	}

	result, err := executor.TagsFromFilename(ctx, rows, pattern)
	if err != nil {
		return nil, nil, errors.Errorf("failed to set tags from file names: %w", err)
	}
	return nil, result, nil
}

func RenameFromTagsTool(ctx context.Context, req *mcp.CallToolRequest, args PatternParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	pattern, rows, executor, err := s.patternCall(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	if args.Preview {
		tags, err := s.table.Get(rows[0])
		if err != nil {
			return nil, nil, err
		}
		target, err := executor.PreviewRename(rows, pattern)
		if err != nil {
			return nil, nil, err
		}
		return nil, PreviewResult{Rename: &FolderRename{From: tags.Filename(), To: target}}, nil
	}

	result, err := executor.RenameFromTags(ctx, rows, pattern)
	if err != nil {
		return nil, nil, errors.Errorf("failed to rename files: %w", err)
	}
	return nil, result, nil
}

func RenameFolderTool(ctx context.Context, req *mcp.CallToolRequest, args PatternParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	pattern, rows, executor, err := s.patternCall(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	if args.Preview {
		move, err := executor.PreviewRenameFolder(rows, pattern)
		if err != nil {
			return nil, nil, err
		}
		return nil, PreviewResult{Rename: &move}, nil
	}

	result, err := executor.RenameFolder(ctx, rows, pattern)
	if err != nil {
		return nil, nil, errors.Errorf("failed to rename folders: %w", err)
	}
	return nil, result, nil
}

func (s *Session) patternCall(ctx context.Context, args PatternParams) (*Pattern, []RowID, *DefaultExecutor, error) {
	pattern, err := s.pattern(ctx, args.Pattern)
	if err != nil {
		return nil, nil, nil, err
	}
	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, nil, err
	}
	executor, err := s.executorFor(args.OnError)
	if err != nil {
		return nil, nil, nil, err
	}
	return pattern, rows, executor, nil
}

func NumberTracksTool(ctx context.Context, req *mcp.CallToolRequest, args NumberTracksParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	rows, err := s.selectRows(args.Rows, args.Match)
	if err != nil {
		return nil, nil, err
	}
	executor, err := s.executorFor(args.OnError)
	if err != nil {
		return nil, nil, err
	}

	start := args.Start
	if start == 0 {
		start = 1
	}
	result, err := executor.NumberTracks(ctx, rows, start, args.Total)
	if err != nil {
		return nil, nil, errors.Errorf("failed to number tracks: %w", err)
	}
	return nil, result, nil
}

func UndoTool(ctx context.Context, req *mcp.CallToolRequest, args UndoParams, s *Session) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.logger.WithContext(ctx)

	if err := s.executor.Undo(ctx); err != nil {
		return nil, nil, errors.Errorf("undo incomplete: %w", err)
	}
	return nil, UndoResult{UndoLevel: s.table.UndoLevel(), Frames: s.table.UndoFrames()}, nil
}

// NewMCPServer registers every tool of session on a new server.
func NewMCPServer(session *Session) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "tagbatch",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_folder",
		Description: "Load the audio files of a folder into the session, replacing earlier rows and undo history unless append is set",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args LoadFolderParams) (*mcp.CallToolResult, any, error) {
		return LoadFolderTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_rows",
		Description: "List loaded files with their tags, optionally limited to some rows, a path glob or some tags",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListRowsParams) (*mcp.CallToolResult, any, error) {
		return ListRowsTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "filter_rows",
		Description: "List loaded files whose tag contains text; tag __all searches every tag",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args FilterRowsParams) (*mcp.CallToolResult, any, error) {
		return FilterRowsTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "combine_values",
		Description: "Show, per tag, the distinct values across the selected files and the choices for editing them together",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args CombineValuesParams) (*mcp.CallToolResult, any, error) {
		return CombineValuesTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_combination",
		Description: "Set tags on every selected file; <keep> leaves a tag alone and <blank> removes it",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ApplyCombinationParams) (*mcp.CallToolResult, any, error) {
		return ApplyCombinationTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_action",
		Description: "Run a named action or a single function over the selected files, optionally limited to some tags",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunActionParams) (*mcp.CallToolResult, any, error) {
		return RunActionTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tags_from_filename",
		Description: "Set tags parsed from the file names of the selected files using a pattern like '[artist] - [title]'",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args PatternParams) (*mcp.CallToolResult, any, error) {
		return TagsFromFilenameTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rename_from_tags",
		Description: "Rename the selected files from their tags using a pattern like '[track] - [title]'",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args PatternParams) (*mcp.CallToolResult, any, error) {
		return RenameFromTagsTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rename_folder",
		Description: "Rename each folder of the selection from the tags of its first selected file",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args PatternParams) (*mcp.CallToolResult, any, error) {
		return RenameFolderTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "number_tracks",
		Description: "Number the selected files in order, as n or n/total",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args NumberTracksParams) (*mcp.CallToolResult, any, error) {
		return NumberTracksTool(ctx, req, args, session)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "undo",
		Description: "Undo the most recent batch",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args UndoParams) (*mcp.CallToolResult, any, error) {
		return UndoTool(ctx, req, args, session)
	})

	return server
}

// RunMCPServer starts the MCP server implementation using the official Go SDK
// If transport is nil, it will use stdio transport
func RunMCPServer(configPath string, transport *mcp.InMemoryTransport) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return errors.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(os.Stderr, false)
	session, err := NewSession(config, logger)
	if err != nil {
		return errors.Errorf("failed to create session: %w", err)
	}
	server := NewMCPServer(session)

	ctx, cancel := signal.NotifyContext(logger.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if transport != nil {
		return server.Run(ctx, transport)
	}
	return server.Run(ctx, &mcp.StdioTransport{})
}
