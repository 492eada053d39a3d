package tagbatch

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"
)

// SelectRows returns, in table order, the rows whose file path relative to
// root matches a doublestar glob. An empty glob selects every row.
func SelectRows(table *Table, root, glob string) ([]RowID, error) {
	if glob == "" {
		return table.Rows(), nil
	}
	if !doublestar.ValidatePattern(glob) {
		return nil, errors.Errorf("invalid match pattern: %s", glob)
	}

	var selected []RowID
	for _, id := range table.Rows() {
		tags, err := table.Get(id)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, tags.Filename())
		if err != nil {
			continue
		}
		if matched, _ := doublestar.Match(glob, filepath.ToSlash(rel)); matched {
			selected = append(selected, id)
		}
	}
	return selected, nil
}

// ImportTags parses each line with pattern for ApplyTagList. A line that does
// not match yields empty Changes, leaving its row alone.
func ImportTags(lines []string, pattern *Pattern) []Changes {
	list := make([]Changes, len(lines))
	for i, line := range lines {
		parsed, err := pattern.Parse(line)
		if err != nil {
			list[i] = Changes{}
			continue
		}
		list[i] = Changes(parsed.Fields())
	}
	return list
}

// RowInfos describes rows for output. Stale rows are left out.
func RowInfos(table *Table, rows []RowID) []RowInfo {
	infos := make([]RowInfo, 0, len(rows))
	for _, id := range rows {
		tags, err := table.Get(id)
		if err != nil {
			continue
		}
		infos = append(infos, RowInfo{Row: id, Path: tags.Filename(), Tags: tags.Fields()})
	}
	return infos
}
