package tagbatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrawn01/tagbatch"
)

func TestTableCommitAndUndo(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/a.mp3", map[string]string{"title": "one", "genre": "Rock"}),
		store.add("/music/b.mp3", map[string]string{"title": "two"}),
	)

	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"One"}, "genre": {""}}, false))
	assert.Equal(t, 1, table.UndoLevel())
	assert.Equal(t, 1, table.UndoFrames())

	tags, err := table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "One", tags.Get("title"))
	assert.False(t, tags.Has("genre"))

	fields, _ := store.fields("/music/a.mp3")
	assert.Equal(t, tagbatch.TagSet{"title": {"One"}}, fields)

	require.NoError(t, table.Undo(ctx))
	assert.Equal(t, 0, table.UndoLevel())
	assert.Equal(t, 0, table.UndoFrames())

	tags, err = table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "one", tags.Get("title"))
	assert.Equal(t, "Rock", tags.Get("genre"))

	fields, _ = store.fields("/music/a.mp3")
	assert.Equal(t, tagbatch.TagSet{"title": {"one"}, "genre": {"Rock"}}, fields)

	// Undo on an empty stack is a no-op.
	require.NoError(t, table.Undo(ctx))
	assert.Equal(t, 0, table.UndoLevel())
}

func TestTableCommitEmptyChanges(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "one"}))

	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{}, false))
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"one"}}, false))
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{tagbatch.KeyPath: {"b.mp3"}}, false))

	assert.Equal(t, 0, table.UndoFrames())
	assert.Equal(t, 0, table.UndoLevel())
	assert.Equal(t, 0, store.writeCount())
}

func TestTableCommitFailureLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "one"}))

	store.failWrites["/music/a.mp3"] = 1
	err := table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"One"}}, false)
	require.Error(t, err)
	assert.True(t, tagbatch.IsIOFailure(err))

	tags, err := table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "one", tags.Get("title"))
	assert.Equal(t, 0, table.UndoFrames())
	assert.Equal(t, 0, table.UndoLevel())
}

func TestTableRenameRollback(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "one"}))

	store.failWrites["/music/One.mp3"] = 1
	err := table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"One"}, tagbatch.KeyPath: {"One.mp3"}}, true)
	require.Error(t, err)

	assert.Equal(t, []string{"/music/a.mp3"}, store.paths())
	tags, err := table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "/music/a.mp3", tags.Filename())
	assert.Equal(t, 0, table.UndoFrames())
}

func TestTableRenameStaysInFolder(t *testing.T) {
	ctx := context.Background()

	for _, target := range []string{"../x.mp3", "../../x.mp3", "sub/../../x.mp3", ".", ".."} {
		t.Run(target, func(t *testing.T) {
			store := newMemoryIO()
			table := tagbatch.NewTable(store)
			rows := loadRows(t, table, store.add("/music/album/a.mp3", map[string]string{"title": "one"}))

			err := table.Commit(ctx, rows[0], tagbatch.Changes{tagbatch.KeyPath: {target}}, true)
			require.Error(t, err)
			assert.True(t, tagbatch.IsIOFailure(err))
			assert.ErrorIs(t, err, tagbatch.ErrOutsideFolder)

			assert.Equal(t, []string{"/music/album/a.mp3"}, store.paths())
			tags, err := table.Get(rows[0])
			require.NoError(t, err)
			assert.Equal(t, "/music/album/a.mp3", tags.Filename())
			assert.Equal(t, 0, table.UndoFrames())
		})
	}

	t.Run("SubFolder", func(t *testing.T) {
		store := newMemoryIO()
		table := tagbatch.NewTable(store)
		rows := loadRows(t, table, store.add("/music/album/a.mp3", map[string]string{"title": "one"}))

		require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{tagbatch.KeyPath: {"disc 1/a.mp3"}}, true))
		assert.Equal(t, []string{"/music/album/disc 1/a.mp3"}, store.paths())
	})
}

func TestTableRenameAndUndo(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "one"}))

	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{tagbatch.KeyPath: {"01 - one.mp3"}}, true))
	assert.Equal(t, []string{"/music/01 - one.mp3"}, store.paths())

	tags, err := table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "/music/01 - one.mp3", tags.Filename())
	assert.Equal(t, "01 - one.mp3", tags.Get(tagbatch.KeyPath))
	assert.Equal(t, "one", tags.Get("title"))
	assert.Equal(t, 0, store.writeCount())

	require.NoError(t, table.Undo(ctx))
	assert.Equal(t, []string{"/music/a.mp3"}, store.paths())
	tags, err = table.Get(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "/music/a.mp3", tags.Filename())
}

func TestTableLevels(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/a.mp3", map[string]string{"title": "a"}),
		store.add("/music/b.mp3", map[string]string{"title": "b"}),
		store.add("/music/c.mp3", map[string]string{"title": "c"}),
	)

	t.Run("EmptyLevelIsNotConsumed", func(t *testing.T) {
		table.BeginLevel()
		table.EndLevel()
		assert.Equal(t, 0, table.UndoLevel())
	})

	t.Run("NestedBracketsJoinOuterLevel", func(t *testing.T) {
		table.BeginLevel()
		table.BeginLevel()
		require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))
		table.EndLevel()
		require.NoError(t, table.Commit(ctx, rows[1], tagbatch.Changes{"title": {"B"}}, false))

		assert.ErrorContains(t, table.Undo(ctx), "level is open")
		table.EndLevel()

		assert.Equal(t, 1, table.UndoLevel())
		assert.Equal(t, 2, table.UndoFrames())
	})

	t.Run("CommitOutsideBracketFormsItsOwnLevel", func(t *testing.T) {
		require.NoError(t, table.Commit(ctx, rows[2], tagbatch.Changes{"title": {"C"}}, false))
		assert.Equal(t, 2, table.UndoLevel())
		assert.Equal(t, 3, table.UndoFrames())
	})

	t.Run("UndoPopsOneLevel", func(t *testing.T) {
		require.NoError(t, table.Undo(ctx))
		assert.Equal(t, 1, table.UndoLevel())

		tags, _ := table.Get(rows[2])
		assert.Equal(t, "c", tags.Get("title"))
		tags, _ = table.Get(rows[1])
		assert.Equal(t, "B", tags.Get("title"))

		require.NoError(t, table.Undo(ctx))
		assert.Equal(t, 0, table.UndoLevel())
		for i, title := range []string{"a", "b", "c"} {
			tags, _ := table.Get(rows[i])
			assert.Equal(t, title, tags.Get("title"))
		}
	})
}

func TestTableUndoRestoresInReverseOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "a"}))

	table.BeginLevel()
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"b"}}, false))
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"c"}}, false))
	table.EndLevel()

	require.NoError(t, table.Undo(ctx))
	tags, _ := table.Get(rows[0])
	assert.Equal(t, "a", tags.Get("title"))
	fields, _ := store.fields("/music/a.mp3")
	assert.Equal(t, "a", fields.Get("title"))
}

func TestTableStaleRows(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	a := store.add("/music/a.mp3", map[string]string{"title": "a"})
	rows := loadRows(t, table, a)

	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))

	reloaded := loadRows(t, table, a)
	assert.NotEqual(t, rows[0], reloaded[0])
	assert.Equal(t, 0, table.UndoFrames())
	assert.Equal(t, 0, table.UndoLevel())

	_, err := table.Get(rows[0])
	assert.ErrorIs(t, err, tagbatch.ErrRowNotFound)
	assert.ErrorIs(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"x"}}, false), tagbatch.ErrRowNotFound)
	assert.ErrorIs(t, table.Remove(rows[0]), tagbatch.ErrRowNotFound)

	_, err = table.Load(ctx, []tagbatch.TagSet{{"title": {"no file"}}}, true)
	assert.Error(t, err)
}

func TestTableUndoSkipsRemovedRows(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/a.mp3", map[string]string{"title": "a"}),
		store.add("/music/b.mp3", map[string]string{"title": "b"}),
	)

	table.BeginLevel()
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))
	require.NoError(t, table.Commit(ctx, rows[1], tagbatch.Changes{"title": {"B"}}, false))
	table.EndLevel()

	require.NoError(t, table.Remove(rows[0]))
	assert.Equal(t, []tagbatch.RowID{rows[1]}, table.Rows())

	require.NoError(t, table.Undo(ctx))
	tags, _ := table.Get(rows[1])
	assert.Equal(t, "b", tags.Get("title"))
	fields, _ := store.fields("/music/a.mp3")
	assert.Equal(t, "A", fields.Get("title"))
}

func TestTableUndoReportsRestoreFailures(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/a.mp3", map[string]string{"title": "a"}),
		store.add("/music/b.mp3", map[string]string{"title": "b"}),
	)

	table.BeginLevel()
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))
	require.NoError(t, table.Commit(ctx, rows[1], tagbatch.Changes{"title": {"B"}}, false))
	table.EndLevel()

	store.failWrites["/music/a.mp3"] = 1
	err := table.Undo(ctx)
	require.Error(t, err)
	assert.True(t, tagbatch.IsIOFailure(err))

	assert.Equal(t, 0, table.UndoLevel())
	assert.Equal(t, 0, table.UndoFrames())
	tags, _ := table.Get(rows[1])
	assert.Equal(t, "b", tags.Get("title"))
	tags, _ = table.Get(rows[0])
	assert.Equal(t, "A", tags.Get("title"))
}

func TestTableFilter(t *testing.T) {
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/a.mp3", map[string]string{"artist": "Air", "title": "Sexy Boy"}),
		store.add("/music/b.mp3", map[string]string{"artist": "Beck", "title": "Loser"}),
	)

	assert.Equal(t, rows, table.Filter("artist", ""))
	assert.Equal(t, []tagbatch.RowID{rows[1]}, table.Filter("Artist", "Beck"))
	assert.Equal(t, []tagbatch.RowID{rows[0]}, table.Filter(tagbatch.KeyAll, "Boy"))
	assert.Equal(t, []tagbatch.RowID{rows[0]}, table.Filter(tagbatch.KeyAll, "a.mp3"))
	assert.Empty(t, table.Filter("title", "Beck"))
}

func TestTableSubscribe(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)

	var events []tagbatch.Event
	table.Subscribe(func(event tagbatch.Event) {
		// Views read the table from the callback.
		_ = table.Rows()
		events = append(events, event)
	})

	rows := loadRows(t, table, store.add("/music/a.mp3", map[string]string{"title": "a"}))
	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))
	require.NoError(t, table.Undo(ctx))

	require.Len(t, events, 3)
	assert.Equal(t, tagbatch.EventLoad, events[0].Kind)
	assert.Equal(t, tagbatch.EventCommit, events[1].Kind)
	assert.Equal(t, 1, events[1].Level)
	assert.Equal(t, tagbatch.EventUndo, events[2].Kind)
	assert.Equal(t, rows, events[2].Rows)
}

func TestTableRenameFolderKeepsUndoCoherent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryIO()
	table := tagbatch.NewTable(store)
	rows := loadRows(t, table,
		store.add("/music/old/a.mp3", map[string]string{"title": "a"}),
		store.add("/music/other/b.mp3", map[string]string{"title": "b"}),
	)

	require.NoError(t, table.Commit(ctx, rows[0], tagbatch.Changes{"title": {"A"}}, false))
	require.NoError(t, table.RenameFolder(ctx, "/music/old", "/music/new"))

	tags, _ := table.Get(rows[0])
	assert.Equal(t, "/music/new/a.mp3", tags.Filename())
	assert.Equal(t, "/music/new", tags.Folder())
	tags, _ = table.Get(rows[1])
	assert.Equal(t, "/music/other/b.mp3", tags.Filename())

	require.NoError(t, table.Undo(ctx))
	fields, ok := store.fields("/music/new/a.mp3")
	require.True(t, ok)
	assert.Equal(t, "a", fields.Get("title"))
	tags, _ = table.Get(rows[0])
	assert.Equal(t, "/music/new/a.mp3", tags.Filename())
}
