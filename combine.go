package tagbatch

import (
	"sort"
)

// Sentinel choices offered when the selected rows disagree on a field.
const (
	ChoiceKeep  = "<keep>"
	ChoiceBlank = "<blank>"
)

// maxListedValues is the largest number of distinct values that still offers
// the values themselves as a sensible default pick.
const maxListedValues = 3

// Combination describes one field across a multi row selection.
type Combination struct {
	Tag     string   `json:"tag"`
	Values  []string `json:"values"`
	Uniform bool     `json:"uniform"`
	Choices []string `json:"choices"`
	Default string   `json:"default"`
}

// Combine collects, per tag key, the distinct values across tagsets in order
// of first appearance. A row missing the tag contributes the empty string.
//
// One distinct value makes the field uniform and it is its own default. Two
// or three distinct values are offered as choices next to <keep> and
// <blank>, with <keep> preselected; more than three default to <keep> as well.
func Combine(tagsets []TagSet) map[string]Combination {
	keys := make(map[string]bool)
	for _, tags := range tagsets {
		for _, key := range tags.Keys() {
			keys[key] = true
		}
	}

	result := make(map[string]Combination, len(keys))
	for key := range keys {
		var values []string
		seen := make(map[string]bool)
		for _, tags := range tagsets {
			value := tags.Get(key)
			if !seen[value] {
				seen[value] = true
				values = append(values, value)
			}
		}
		result[key] = combination(key, values)
	}
	return result
}

func combination(key string, values []string) Combination {
	c := Combination{Tag: key, Values: values}
	if len(values) == 1 {
		c.Uniform = true
		c.Choices = []string{values[0]}
		c.Default = values[0]
		return c
	}

	c.Choices = make([]string, 0, len(values)+2)
	c.Choices = append(c.Choices, values...)
	c.Choices = append(c.Choices, ChoiceKeep, ChoiceBlank)
	c.Default = ChoiceKeep
	return c
}

// Listed reports whether the values are few enough to be offered individually.
func (c Combination) Listed() bool {
	return len(c.Values) <= maxListedValues
}

// CombinedTags returns the keys of a Combine result in sorted order.
func CombinedTags(combined map[string]Combination) []string {
	keys := make([]string, 0, len(combined))
	for key := range combined {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ResolveEdits turns field selections into Changes. <keep> leaves the field
// alone, <blank> clears it, anything else is written as is.
func ResolveEdits(edits map[string]string) Changes {
	changes := Changes{}
	for key, choice := range edits {
		key = normalizeKey(key)
		if IsReserved(key) {
			continue
		}
		switch choice {
		case ChoiceKeep:
		case ChoiceBlank:
			changes[key] = []string{""}
		default:
			changes[key] = []string{choice}
		}
	}
	return changes
}

// withoutJoined drops changes that would write back a field's current value in
// its joined form, so a multi value field offered as one choice keeps its values.
func withoutJoined(tags TagSet, changes Changes) Changes {
	kept := make(Changes, len(changes))
	for key, values := range changes {
		if len(values) == 1 && tags.Has(key) && values[0] == tags.Get(key) {
			continue
		}
		kept[key] = values
	}
	return kept
}
