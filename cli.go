package tagbatch

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// RunCmdOptions contains options for customizing RunCmd behavior
type RunCmdOptions struct {
	// MCPTransport allows providing a custom transport for MCP server (used for testing)
	MCPTransport *mcp.InMemoryTransport
	// Stdout writer for normal output (defaults to os.Stdout)
	Stdout io.Writer
	// Stderr writer for logs, progress and prompts (defaults to os.Stderr)
	Stderr io.Writer
	// Stdin reader for failure prompts (defaults to os.Stdin)
	Stdin io.Reader
}

// commandContext holds runtime context for command execution
type commandContext struct {
	stdout    io.Writer
	stderr    io.Writer
	stdin     io.Reader
	json      bool
	config    *Config
	validator *DefaultValidator
	table     *Table
	scanner   *FilesystemScanner
}

func RunCmd(args []string, options *RunCmdOptions) error {
	stdout := io.Writer(os.Stdout)
	if options != nil && options.Stdout != nil {
		stdout = options.Stdout
	}

	if len(args) < 1 {
		return ShowHelp(stdout)
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)

	var (
		help       = fs.Bool("h", false, "Show help")
		mcpOption  = fs.Bool("mcp", false, "Run as MCP server")
		verbose    = fs.Bool("v", false, "Verbose output")
		jsonOutput = fs.Bool("json", false, "Output as JSON")
		configFile = fs.String("config", "", "Path to configuration file")
	)

	if len(args) > 1 {
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
	}

	if *help {
		return ShowHelp(stdout)
	}

	if *mcpOption {
		var transport *mcp.InMemoryTransport
		if options != nil && options.MCPTransport != nil {
			transport = options.MCPTransport
		}
		return RunMCPServer(*configFile, transport)
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		return ShowHelp(stdout)
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		return errors.Errorf("failed to load config: %w", err)
	}

	validator := NewDefaultValidator(config)
	if err := validator.ValidateConfig(config); err != nil {
		return errors.Errorf("invalid config: %w", err)
	}

	cmdCtx := &commandContext{
		stdout:    stdout,
		stderr:    io.Writer(os.Stderr),
		stdin:     io.Reader(os.Stdin),
		json:      *jsonOutput,
		config:    config,
		validator: validator,
	}

	if options != nil {
		if options.Stderr != nil {
			cmdCtx.stderr = options.Stderr
		}
		if options.Stdin != nil {
			cmdCtx.stdin = options.Stdin
		}
	}

	logger := newLogger(cmdCtx.stderr, *verbose)
	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background()), os.Interrupt)
	defer stop()

	store := NewSidecarStore(config)
	cmdCtx.table = NewTable(store)
	cmdCtx.scanner, err = NewFilesystemScanner(config, store)
	if err != nil {
		return errors.Errorf("failed to create scanner: %w", err)
	}

	switch remaining[0] {
	case "show":
		return showCommand(ctx, cmdCtx, remaining[1:])
	case "filter":
		return filterCommand(ctx, cmdCtx, remaining[1:])
	case "combine":
		return combineCommand(ctx, cmdCtx, remaining[1:])
	case "set":
		return setCommand(ctx, cmdCtx, remaining[1:])
	case "action":
		return actionCommand(ctx, cmdCtx, remaining[1:])
	case "from-filename":
		return fromFilenameCommand(ctx, cmdCtx, remaining[1:])
	case "rename":
		return renameCommand(ctx, cmdCtx, remaining[1:])
	case "rename-folder":
		return renameFolderCommand(ctx, cmdCtx, remaining[1:])
	case "number":
		return numberCommand(ctx, cmdCtx, remaining[1:])
	case "import":
		return importCommand(ctx, cmdCtx, remaining[1:])
	default:
		return errors.Errorf("unknown command: %s", remaining[0])
	}
}

func ShowHelp(w io.Writer) error {
	help := `tagbatch - Batch edit audio file tags

Usage:
  tagbatch [OPTIONS] COMMAND [ARGS...]
  tagbatch -mcp              Run as MCP server

Options:
  -h, --help           Show this help message
  -v, --verbose        Enable verbose output
  --json               Output as JSON
  --config FILE        Path to configuration file
  -mcp                 Run as MCP server

Commands:
  show           List files and their tags
  filter         List files whose tag contains some text
  combine        Show how a field agrees across the selected files
  set            Set fields on every selected file (tag=value, <keep>, <blank>)
  action         Run a named action or a single function over the selection
  from-filename  Set tags parsed from file names with a pattern
  rename         Rename files from their tags with a pattern
  rename-folder  Rename the folders of the selection from their tags
  number         Number the selected files in order
  import         Set tags from the lines of a text file

Selection options (all commands):
  --root DIR           Folder to load (defaults to the current directory)
  --match GLOB         Only files matching GLOB relative to root
  --recursive          Include sub-folders
  --preview            Show the result for the first file without writing
  --on-error DECISION  skip, skip-all or abort when a file cannot be written

Examples:
  tagbatch show --root="/music/Air/Moon Safari" --tags=artist,title,track
  tagbatch from-filename --root="/music/Air" --pattern="[artist] - [title]" --preview
  tagbatch rename --root="/music/Air" --pattern="[track] - [title]"
  tagbatch set --root="/music/Air" --match="*.flac" album="Moon Safari" genre=<blank>
  tagbatch action --root="/music" --recursive --name=tidy
  tagbatch action --root="/music" --fn=replace --arg=_ --arg=" " --tags=title
  tagbatch number --root="/music/Air" --with-total
  tagbatch import --root="/music/Air" --file=tracks.txt --pattern="[track]. [title]"
  tagbatch -mcp --config="/path/to/config.yaml"
`
	_, _ = fmt.Fprint(w, help)
	return nil
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// selection holds the flags every command shares.
type selection struct {
	root      string
	match     string
	recursive bool
	preview   bool
	json      bool
	onError   string
}

func (cmdCtx *commandContext) selectionFlags(fs *flag.FlagSet) (*selection, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Errorf("failed to get current directory: %w", err)
	}

	sel := &selection{}
	fs.StringVar(&sel.root, "root", cwd, "Folder to load")
	fs.StringVar(&sel.match, "match", "", "Glob selecting files relative to root")
	fs.BoolVar(&sel.recursive, "recursive", false, "Include sub-folders")
	fs.BoolVar(&sel.preview, "preview", false, "Show the result for the first file without writing")
	fs.BoolVar(&sel.json, "json", cmdCtx.json, "Output as JSON")
	fs.StringVar(&sel.onError, "on-error", cmdCtx.config.OnError, "skip, skip-all or abort when a file cannot be written")
	return sel, nil
}

// load scans the selection's root into the table and returns the selected rows.
func (cmdCtx *commandContext) load(ctx context.Context, sel *selection) ([]RowID, error) {
	root, err := filepath.Abs(sel.root)
	if err != nil {
		return nil, errors.Errorf("invalid root: %w", err)
	}
	if err := cmdCtx.validator.ValidatePath(root); err != nil {
		return nil, err
	}
	sel.root = root

	if _, err := LoadFolder(ctx, cmdCtx.table, cmdCtx.scanner, root, sel.recursive, false); err != nil {
		return nil, errors.Errorf("failed to load %s: %w", root, err)
	}

	rows, err := SelectRows(cmdCtx.table, root, sel.match)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("no files selected in %s", root)
	}
	return rows, nil
}

func (cmdCtx *commandContext) executor(ctx context.Context, sel *selection, description string) (*DefaultExecutor, error) {
	decision, err := ParseDecision(sel.onError)
	if err != nil {
		return nil, err
	}
	return NewDefaultExecutor(cmdCtx.table, cmdCtx.config, ExecutorOptions{
		Progress: NewBarProgress(ctx, cmdCtx.stderr, description),
		Prompter: NewStreamPrompter(cmdCtx.stdin, cmdCtx.stderr, decision),
	}), nil
}

func (cmdCtx *commandContext) pattern(ctx context.Context, template string) (*Pattern, error) {
	warnings, err := cmdCtx.validator.ValidatePattern(template)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		zerolog.Ctx(ctx).Warn().Str("pattern", template).Msg(warning)
	}
	return Compile(template), nil
}

func (cmdCtx *commandContext) encode(value any) error {
	encoder := json.NewEncoder(cmdCtx.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// finish reports a batch result and fails when any file failed.
func (cmdCtx *commandContext) finish(result *BatchResult, jsonOutput bool) error {
	if jsonOutput {
		if err := cmdCtx.encode(result); err != nil {
			return err
		}
	} else {
		printSummary(cmdCtx.stdout, result)
	}

	if len(result.Failed) > 0 {
		return errors.Errorf("%d files failed", len(result.Failed))
	}
	return nil
}

func showCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	tags := fs.String("tags", "", "Comma-separated tags to show as columns")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	return cmdCtx.printRows(RowInfos(cmdCtx.table, rows), parseList(*tags), sel.json)
}

func (cmdCtx *commandContext) printRows(infos []RowInfo, columns []string, jsonOutput bool) error {
	if jsonOutput {
		return cmdCtx.encode(infos)
	}
	_, _ = fmt.Fprintln(cmdCtx.stdout, renderRows(infos, columns))
	return nil
}

func filterCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("filter", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	tag := fs.String("tag", KeyAll, "Tag to search, __all searches every tag")
	text := fs.String("text", "", "Text the tag must contain")
	tags := fs.String("tags", "", "Comma-separated tags to show as columns")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	var visible []RowID
	for _, id := range cmdCtx.table.Filter(*tag, *text) {
		if slices.Contains(rows, id) {
			visible = append(visible, id)
		}
	}

	return cmdCtx.printRows(RowInfos(cmdCtx.table, visible), parseList(*tags), sel.json)
}

func combineCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("combine", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	combined := Combine(selectedTagSets(cmdCtx.table, rows))
	if sel.json {
		return cmdCtx.encode(combined)
	}
	_, _ = fmt.Fprintln(cmdCtx.stdout, renderCombinations(combined))
	return nil
}

func selectedTagSets(table *Table, rows []RowID) []TagSet {
	tagsets := make([]TagSet, 0, len(rows))
	for _, id := range rows {
		if tags, err := table.Get(id); err == nil {
			tagsets = append(tagsets, tags)
		}
	}
	return tagsets
}

func setCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	edits, err := cmdCtx.parseEdits(fs.Args())
	if err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	if sel.preview {
		return cmdCtx.printChanges(ResolveEdits(edits), sel.json)
	}

	executor, err := cmdCtx.executor(ctx, sel, "set")
	if err != nil {
		return err
	}
	result, err := executor.ApplyCombination(ctx, rows, edits)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

// parseEdits reads tag=value arguments.
func (cmdCtx *commandContext) parseEdits(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one tag=value is required")
	}

	edits := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Errorf("expected tag=value, got %q", arg)
		}
		if err := cmdCtx.validator.ValidateTagKey(key); err != nil {
			return nil, err
		}
		edits[normalizeKey(key)] = value
	}
	return edits, nil
}

func (cmdCtx *commandContext) printChanges(changes Changes, jsonOutput bool) error {
	if jsonOutput {
		return cmdCtx.encode(changes)
	}
	if len(changes) == 0 {
		_, _ = fmt.Fprintln(cmdCtx.stdout, "no changes")
		return nil
	}
	_, _ = fmt.Fprintln(cmdCtx.stdout, renderChanges(changes))
	return nil
}

func actionCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("action", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	name := fs.String("name", "", "Named action from the config file")
	function := fs.String("fn", "", "Single function to run instead of a named action")
	tags := fs.String("tags", "", "Comma-separated tags to limit the action to")
	var fnArgs []string
	fs.Func("arg", "Function argument, repeatable", func(value string) error {
		fnArgs = append(fnArgs, value)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return err
	}

	columns := parseList(*tags)
	var chain Chain
	switch {
	case *name != "":
		chain, err = cmdCtx.config.Action(*name)
	case *function != "":
		var fn Function
		fn, err = LookupFunction(*function, fnArgs)
		targets := columns
		if len(targets) == 0 {
			targets = []string{KeyAll}
		}
		chain = NewChain(Step{Function: fn, Targets: targets})
	default:
		return errors.Errorf("--name or --fn is required (functions: %s)", strings.Join(FunctionNames(), ", "))
	}
	if err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	executor, err := cmdCtx.executor(ctx, sel, "action")
	if err != nil {
		return err
	}

	var cells []Cells
	if len(columns) > 0 {
		cells = make([]Cells, len(rows))
		for i, id := range rows {
			cells[i] = Cells{Row: id, Tags: columns}
		}
	}

	if sel.preview {
		var changes Changes
		if cells != nil {
			changes, err = executor.PreviewQuickAction(cells, chain)
		} else {
			changes, err = executor.PreviewAction(rows, chain)
		}
		if err != nil {
			return err
		}
		return cmdCtx.printChanges(changes, sel.json)
	}

	var result *BatchResult
	if cells != nil {
		result, err = executor.RunQuickAction(ctx, cells, chain)
	} else {
		result, err = executor.RunAction(ctx, rows, chain)
	}
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func fromFilenameCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("from-filename", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	template := fs.String("pattern", "", "Pattern matched against file names")

	if err := fs.Parse(args); err != nil {
		return err
	}

	pattern, err := cmdCtx.pattern(ctx, *template)
	if err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	executor, err := cmdCtx.executor(ctx, sel, "from-filename")
	if err != nil {
		return err
	}

	if sel.preview {
		parsed, err := executor.PreviewTagsFromFilename(rows, pattern)
		if err != nil {
			return err
		}
		return cmdCtx.printChanges(Changes(parsed), sel.json)
	}

	result, err := executor.TagsFromFilename(ctx, rows, pattern)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func renameCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	template := fs.String("pattern", "", "Pattern rendered into the new file name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	pattern, err := cmdCtx.pattern(ctx, *template)
	if err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	executor, err := cmdCtx.executor(ctx, sel, "rename")
	if err != nil {
		return err
	}

	if sel.preview {
		tags, err := cmdCtx.table.Get(rows[0])
		if err != nil {
			return err
		}
		target, err := executor.PreviewRename(rows, pattern)
		if err != nil {
			return err
		}
		return cmdCtx.printMove(FolderRename{From: tags.Filename(), To: target}, sel.json)
	}

	result, err := executor.RenameFromTags(ctx, rows, pattern)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func (cmdCtx *commandContext) printMove(move FolderRename, jsonOutput bool) error {
	if jsonOutput {
		return cmdCtx.encode(move)
	}
	_, _ = fmt.Fprintf(cmdCtx.stdout, "%s\n  -> %s\n", move.From, move.To)
	return nil
}

func renameFolderCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("rename-folder", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	template := fs.String("pattern", "", "Pattern rendered into the new folder name")

	if err := fs.Parse(args); err != nil {
		return err
	}

	pattern, err := cmdCtx.pattern(ctx, *template)
	if err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	executor, err := cmdCtx.executor(ctx, sel, "rename-folder")
	if err != nil {
		return err
	}

	if sel.preview {
		move, err := executor.PreviewRenameFolder(rows, pattern)
		if err != nil {
			return err
		}
		return cmdCtx.printMove(move, sel.json)
	}

	result, err := executor.RenameFolder(ctx, rows, pattern)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func numberCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("number", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	start := fs.Int("start", 1, "First track number")
	total := fs.String("total", "", "Total written as n/total")
	withTotal := fs.Bool("with-total", false, "Use the number of selected files as total")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	if *withTotal {
		*total = strconv.Itoa(len(rows))
	}

	if sel.preview {
		track := strconv.Itoa(*start)
		if *total != "" {
			track += "/" + *total
		}
		return cmdCtx.printChanges(Changes{"track": {track}}, sel.json)
	}

	executor, err := cmdCtx.executor(ctx, sel, "number")
	if err != nil {
		return err
	}
	result, err := executor.NumberTracks(ctx, rows, *start, *total)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func importCommand(ctx context.Context, cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	sel, err := cmdCtx.selectionFlags(fs)
	if err != nil {
		return err
	}
	file := fs.String("file", "", "Text file with one line per selected file")
	template := fs.String("pattern", "", "Pattern matched against each line")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *file == "" {
		return errors.New("--file is required")
	}

	pattern, err := cmdCtx.pattern(ctx, *template)
	if err != nil {
		return err
	}

	lines, err := readLines(*file)
	if err != nil {
		return err
	}
	list := ImportTags(lines, pattern)

	rows, err := cmdCtx.load(ctx, sel)
	if err != nil {
		return err
	}

	if sel.preview {
		if len(list) == 0 {
			return cmdCtx.printChanges(Changes{}, sel.json)
		}
		return cmdCtx.printChanges(list[0], sel.json)
	}

	executor, err := cmdCtx.executor(ctx, sel, "import")
	if err != nil {
		return err
	}
	result, err := executor.ApplyTagList(ctx, rows, list)
	if err != nil {
		return err
	}
	return cmdCtx.finish(result, sel.json)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

func parseList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, normalizeKey(item))
		}
	}
	return items
}
