package tagbatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrawn01/tagbatch"
)

// batchJSON mirrors the JSON form of a batch result.
type batchJSON struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	State     string           `json:"state"`
	Total     int              `json:"total"`
	Committed []tagbatch.RowID `json:"committed"`
	Unmatched []tagbatch.RowID `json:"unmatched"`
	Failed    []struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	} `json:"failed"`
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := tagbatch.RunCmd(append([]string{"tagbatch"}, args...), &tagbatch.RunCmdOptions{
		Stdout: &stdout,
		Stderr: &stderr,
		Stdin:  strings.NewReader(""),
	})
	return stdout.String(), err
}

func runJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	stdout, err := runCmd(t, append(args, "--json")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), out), stdout)
}

func showRows(t *testing.T, root string) []tagbatch.RowInfo {
	t.Helper()
	var rows []tagbatch.RowInfo
	runJSON(t, &rows, "show", "--root="+root)
	return rows
}

func fileNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".mp3") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestCLIWorkflow(t *testing.T) {
	tempDir := t.TempDir()
	root := "--root=" + tempDir
	writeFile(t, tempDir, "01 - Intro.mp3", "audio")
	writeFile(t, tempDir, "02 - Outro.mp3", "audio")
	writeFile(t, tempDir, "01 - Intro.mp3.tags.yaml", "artist: air\n")
	writeFile(t, tempDir, "cover.jpg", "image")

	rows := showRows(t, tempDir)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"air"}, rows[0].Tags["artist"])
	assert.Empty(t, rows[1].Tags)

	t.Run("FromFilenamePreview", func(t *testing.T) {
		var changes map[string][]string
		runJSON(t, &changes, "from-filename", root, "--pattern=[track] - [title]", "--preview")
		assert.Equal(t, map[string][]string{"track": {"01"}, "title": {"Intro"}}, changes)
		assert.NoFileExists(t, filepath.Join(tempDir, "02 - Outro.mp3.tags.yaml"))
	})

	t.Run("FromFilename", func(t *testing.T) {
		var result batchJSON
		runJSON(t, &result, "from-filename", root, "--pattern=[track] - [title]")
		assert.Equal(t, "completed", result.State)
		assert.Equal(t, "tags-from-filename", result.Operation)
		assert.Len(t, result.Committed, 2)

		rows := showRows(t, tempDir)
		assert.Equal(t, []string{"Outro"}, rows[1].Tags["title"])
		assert.Equal(t, []string{"02"}, rows[1].Tags["track"])
	})

	t.Run("ActionOnColumns", func(t *testing.T) {
		var result batchJSON
		runJSON(t, &result, "action", root, "--fn=upper", "--tags=title")
		assert.Len(t, result.Committed, 2)

		rows := showRows(t, tempDir)
		assert.Equal(t, []string{"INTRO"}, rows[0].Tags["title"])
		assert.Equal(t, []string{"air"}, rows[0].Tags["artist"])
	})

	t.Run("Set", func(t *testing.T) {
		stdout, err := runCmd(t, "set", root, "album=Moon Safari", "artist=<blank>")
		require.NoError(t, err)
		assert.Contains(t, stdout, "2 committed")

		rows := showRows(t, tempDir)
		assert.Equal(t, []string{"Moon Safari"}, rows[1].Tags["album"])
		assert.NotContains(t, rows[0].Tags, "artist")
	})

	t.Run("Combine", func(t *testing.T) {
		var combined map[string]tagbatch.Combination
		runJSON(t, &combined, "combine", root)
		require.Contains(t, combined, "album")
		assert.True(t, combined["album"].Uniform)
		assert.Equal(t, tagbatch.ChoiceKeep, combined["title"].Default)
	})

	t.Run("RenamePreview", func(t *testing.T) {
		var move tagbatch.FolderRename
		runJSON(t, &move, "rename", root, "--pattern=[title]", "--preview")
		assert.Equal(t, filepath.Join(tempDir, "INTRO.mp3"), move.To)
		assert.Equal(t, []string{"01 - Intro.mp3", "02 - Outro.mp3"}, fileNames(t, tempDir))
	})

	t.Run("Rename", func(t *testing.T) {
		var result batchJSON
		runJSON(t, &result, "rename", root, "--pattern=[title]")
		assert.Len(t, result.Committed, 2)
		assert.Equal(t, []string{"INTRO.mp3", "OUTRO.mp3"}, fileNames(t, tempDir))
		assert.FileExists(t, filepath.Join(tempDir, "OUTRO.mp3.tags.yaml"))
	})

	t.Run("Number", func(t *testing.T) {
		var result batchJSON
		runJSON(t, &result, "number", root, "--with-total")
		assert.Len(t, result.Committed, 2)

		rows := showRows(t, tempDir)
		assert.Equal(t, []string{"1/2"}, rows[0].Tags["track"])
		assert.Equal(t, []string{"2/2"}, rows[1].Tags["track"])
	})

	t.Run("Import", func(t *testing.T) {
		list := writeFile(t, t.TempDir(), "tracks.txt", "1. Sexy Boy\n2. Kelly Watch the Stars\n3. Talisman\n")

		var result batchJSON
		runJSON(t, &result, "import", root, "--file="+list, "--pattern=[track]. [title]")
		assert.Equal(t, 2, result.Total)
		assert.Len(t, result.Committed, 2)

		rows := showRows(t, tempDir)
		assert.Equal(t, []string{"Sexy Boy"}, rows[0].Tags["title"])
		assert.Equal(t, []string{"2"}, rows[1].Tags["track"])
	})

	t.Run("Filter", func(t *testing.T) {
		var rows []tagbatch.RowInfo
		runJSON(t, &rows, "filter", root, "--tag=title", "--text=Kelly")
		require.Len(t, rows, 1)
		assert.Equal(t, filepath.Join(tempDir, "OUTRO.mp3"), rows[0].Path)
	})

	t.Run("Match", func(t *testing.T) {
		var rows []tagbatch.RowInfo
		runJSON(t, &rows, "show", root, "--match=OUT*")
		require.Len(t, rows, 1)
	})

	t.Run("TextOutput", func(t *testing.T) {
		stdout, err := runCmd(t, "show", root, "--tags=title,track")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Sexy Boy")
		assert.Contains(t, stdout, "Kelly Watch the Stars")
	})
}

func TestCLIActionPreviewMatchesRun(t *testing.T) {
	tempDir := t.TempDir()
	root := "--root=" + tempDir
	writeFile(t, tempDir, "a.mp3", "audio")
	writeFile(t, tempDir, "a.mp3.tags.yaml", "artist: x_y\ntitle: a_b\n")

	var changes map[string][]string
	runJSON(t, &changes, "action", root, "--name=underscores", "--tags=title", "--preview")
	assert.Equal(t, map[string][]string{"title": {"a b"}}, changes)

	var result batchJSON
	runJSON(t, &result, "action", root, "--name=underscores", "--tags=title")
	assert.Len(t, result.Committed, 1)

	rows := showRows(t, tempDir)
	require.Len(t, rows, 1)
	assert.Equal(t, changes["title"], rows[0].Tags["title"])
	assert.Equal(t, []string{"x_y"}, rows[0].Tags["artist"])
}

func TestCLIRenameIntoSubFolder(t *testing.T) {
	tempDir := t.TempDir()
	root := "--root=" + tempDir
	writeFile(t, tempDir, "a.mp3", "audio")
	writeFile(t, tempDir, "a.mp3.tags.yaml", "artist: Air\ntitle: Sexy Boy\n")
	writeFile(t, tempDir, "b.mp3", "audio")
	writeFile(t, tempDir, "b.mp3.tags.yaml", "artist: Air\ntitle: ../Remember\n")

	var result batchJSON
	runJSON(t, &result, "rename", root, "--pattern=[artist]/[title]")
	assert.Equal(t, "completed", result.State)
	assert.Len(t, result.Committed, 2)
	assert.Empty(t, result.Failed)

	assert.Empty(t, fileNames(t, tempDir))
	assert.Equal(t, []string{"Remember.mp3", "Sexy Boy.mp3"}, fileNames(t, filepath.Join(tempDir, "Air")))
	assert.FileExists(t, filepath.Join(tempDir, "Air", "Sexy Boy.mp3.tags.yaml"))
}

func TestCLICombineText(t *testing.T) {
	tempDir := t.TempDir()
	for i, genre := range []string{"Rock", "Pop", "Jazz", "Folk"} {
		album := "Moon Safari"
		if i%2 == 1 {
			album = "Talkie Walkie"
		}
		name := fmt.Sprintf("%02d.mp3", i+1)
		writeFile(t, tempDir, name, "audio")
		writeFile(t, tempDir, name+".tags.yaml", fmt.Sprintf("genre: %s\nalbum: %s\n", genre, album))
	}

	stdout, err := runCmd(t, "combine", "--root="+tempDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Moon Safari | Talkie Walkie")
	assert.Contains(t, stdout, "4 values")
	assert.NotContains(t, stdout, "Folk")
}

func TestCLIErrors(t *testing.T) {
	tempDir := t.TempDir()
	writeFile(t, tempDir, "a.mp3", "audio")
	root := "--root=" + tempDir

	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "InvalidCommand",
			args:     []string{"invalid"},
			expected: "unknown command",
		},
		{
			name:     "MissingPattern",
			args:     []string{"rename", root},
			expected: "pattern cannot be empty",
		},
		{
			name:     "SetWithoutEdits",
			args:     []string{"set", root},
			expected: "tag=value",
		},
		{
			name:     "SetReservedTag",
			args:     []string{"set", root, "__path=x.mp3"},
			expected: "reserved",
		},
		{
			name:     "ActionWithoutName",
			args:     []string{"action", root},
			expected: "--name or --fn is required",
		},
		{
			name:     "UnknownAction",
			args:     []string{"action", root, "--name=missing"},
			expected: "unknown action",
		},
		{
			name:     "EmptyFolder",
			args:     []string{"show", "--root=" + t.TempDir()},
			expected: "no files selected",
		},
		{
			name:     "BadOnError",
			args:     []string{"number", root, "--on-error=retry"},
			expected: "unknown decision",
		},
		{
			name:     "ImportWithoutFile",
			args:     []string{"import", root, "--pattern=[title]"},
			expected: "--file is required",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := runCmd(t, test.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}

func TestCLIHelp(t *testing.T) {
	for _, args := range [][]string{{"-h"}, {}} {
		stdout, err := runCmd(t, args...)
		require.NoError(t, err)
		assert.Contains(t, stdout, "tagbatch - Batch edit audio file tags")
	}
}

func TestCLIGlobalFlags(t *testing.T) {
	tempDir := t.TempDir()
	writeFile(t, tempDir, "a.mp3", "audio")

	configPath := writeFile(t, t.TempDir(), "config.yaml", "sidecar_suffix: .yml\n")

	tests := []struct {
		name string
		args []string
	}{
		{
			name: "VerboseFlag",
			args: []string{"-v", "show", "--root=" + tempDir},
		},
		{
			name: "JSONFlag",
			args: []string{"-json", "show", "--root=" + tempDir},
		},
		{
			name: "ConfigFlag",
			args: []string{"-config", configPath, "-json", "set", "--root=" + tempDir, "title=A"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := runCmd(t, test.args...)
			assert.NoError(t, err)
		})
	}

	assert.FileExists(t, filepath.Join(tempDir, "a.mp3.yml"))
}

func TestMCPServerCapabilities(t *testing.T) {
	ctx := context.Background()

	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	serverDone := make(chan error, 1)
	go func() {
		options := &tagbatch.RunCmdOptions{
			MCPTransport: serverTransport,
		}
		serverDone <- tagbatch.RunCmd([]string{"tagbatch", "-mcp"}, options)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer func() {
		_ = session.Close()
	}()

	require.NoError(t, session.Ping(ctx, nil))

	t.Run("ToolDiscovery", func(t *testing.T) {
		tools, err := session.ListTools(ctx, &mcp.ListToolsParams{})
		require.NoError(t, err)

		var names []string
		for _, tool := range tools.Tools {
			names = append(names, tool.Name)
			assert.NotEmpty(t, tool.Description)
		}

		assert.ElementsMatch(t, []string{
			"load_folder",
			"list_rows",
			"filter_rows",
			"combine_values",
			"apply_combination",
			"run_action",
			"tags_from_filename",
			"rename_from_tags",
			"rename_folder",
			"number_tracks",
			"undo",
		}, names)
	})

	t.Run("EditAndUndo", func(t *testing.T) {
		tempDir := t.TempDir()
		writeFile(t, tempDir, "Air - Sexy Boy.mp3", "audio")

		call := func(name string, args map[string]any) *mcp.CallToolResult {
			t.Helper()
			result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
			require.NoError(t, err)
			require.False(t, result.IsError, "%s failed: %v", name, result.Content)
			return result
		}

		call("load_folder", map[string]any{"root": tempDir})
		call("tags_from_filename", map[string]any{"pattern": "[artist] - [title]"})

		sidecar := filepath.Join(tempDir, "Air - Sexy Boy.mp3.tags.yaml")
		data, err := os.ReadFile(sidecar)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Sexy Boy")

		call("undo", map[string]any{})
		assert.NoFileExists(t, sidecar)
	})
}
