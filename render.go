package tagbatch

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func renderTable(headers []string, rows [][]string) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignLeft,
			AlignHeader: text.AlignLeft,
			WidthMax:    60,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// renderRows lays out rows with one column per tag. With no columns given,
// every tag present in rows is shown.
func renderRows(rows []RowInfo, columns []string) string {
	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, row := range rows {
			for key := range row.Tags {
				if !IsReserved(key) && !seen[key] {
					seen[key] = true
					columns = append(columns, key)
				}
			}
		}
		sort.Strings(columns)
	}

	headers := append([]string{"#", "file"}, columns...)
	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		line := []string{fmt.Sprint(row.Row), row.Path}
		for _, column := range columns {
			line = append(line, strings.Join(row.Tags[column], ", "))
		}
		cells = append(cells, line)
	}
	return renderTable(headers, cells)
}

func renderCombinations(combined map[string]Combination) string {
	var cells [][]string
	for _, tag := range CombinedTags(combined) {
		c := combined[tag]
		state := "mixed"
		if c.Uniform {
			state = "same"
		}
		choices := strings.Join(c.Choices, " | ")
		if !c.Listed() {
			choices = fmt.Sprintf("%s | %s | %d values", ChoiceKeep, ChoiceBlank, len(c.Values))
		}
		cells = append(cells, []string{tag, state, c.Default, choices})
	}
	return renderTable([]string{"tag", "state", "default", "choices"}, cells)
}

func renderChanges(changes Changes) string {
	keys := make([]string, 0, len(changes))
	for key := range changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cells := make([][]string, 0, len(keys))
	for _, key := range keys {
		value := strings.Join(changes[key], ", ")
		if Deletes(changes[key]) {
			value = ChoiceBlank
		}
		cells = append(cells, []string{key, value})
	}
	return renderTable([]string{"tag", "new value"}, cells)
}

// printSummary writes a one line coloured summary of result followed by its
// failures.
func printSummary(w io.Writer, result *BatchResult) {
	status := color.New(color.FgGreen).Sprint("✔")
	if result.State == StateCancelled {
		status = color.New(color.FgYellow).Sprint("■")
	} else if len(result.Failed) > 0 {
		status = color.New(color.FgRed).Sprint("✗")
	}

	_, _ = fmt.Fprintf(w, "%s %s %s: %d committed, %d unchanged, %d unmatched, %d failed (%s)\n",
		status,
		color.New(color.Bold).Sprint(result.Operation),
		color.New(color.Faint).Sprint(result.ID[:8]),
		len(result.Committed),
		len(result.Unchanged),
		len(result.Unmatched),
		len(result.Failed),
		result.State,
	)
	for _, failure := range result.Failed {
		_, _ = fmt.Fprintf(w, "  %s %s\n", color.New(color.FgRed).Sprint(failure.Path), failure.Error)
	}
}
