package tagbatch

import (
	"slices"
	"sort"
)

// Step applies one Function to each of its target tags.
type Step struct {
	Function Function
	Targets  []string
}

// Chain is an ordered list of steps. Later steps observe the values written
// by earlier steps in the same row pass.
type Chain struct {
	Steps []Step
}

func NewChain(steps ...Step) Chain {
	return Chain{Steps: steps}
}

// Targets returns every target key named by the chain, in first-use order.
func (c Chain) Targets() []string {
	seen := make(map[string]bool)
	var targets []string
	for _, step := range c.Steps {
		for _, target := range step.Targets {
			target = normalizeKey(target)
			if !seen[target] {
				seen[target] = true
				targets = append(targets, target)
			}
		}
	}
	return targets
}

// Expand replaces the __all pseudo target with every known key, excluding
// reserved and blob tags.
func (c Chain) Expand(known []string, blobTags []string) Chain {
	blobs := make(map[string]bool, len(blobTags))
	for _, tag := range blobTags {
		blobs[normalizeKey(tag)] = true
	}

	var all []string
	seen := make(map[string]bool)
	for _, key := range known {
		key = normalizeKey(key)
		if IsReserved(key) || blobs[key] || seen[key] {
			continue
		}
		seen[key] = true
		all = append(all, key)
	}
	sort.Strings(all)

	expanded := Chain{Steps: make([]Step, len(c.Steps))}
	for i, step := range c.Steps {
		var targets []string
		for _, target := range step.Targets {
			if normalizeKey(target) == KeyAll {
				targets = append(targets, all...)
				continue
			}
			targets = append(targets, normalizeKey(target))
		}
		expanded.Steps[i] = Step{Function: step.Function, Targets: dedupe(targets)}
	}
	return expanded
}

// Restrict keeps only the targets that are also in columns.
func (c Chain) Restrict(columns []string) Chain {
	allowed := make(map[string]bool, len(columns))
	for _, column := range columns {
		allowed[normalizeKey(column)] = true
	}

	restricted := Chain{Steps: make([]Step, 0, len(c.Steps))}
	for _, step := range c.Steps {
		var targets []string
		for _, target := range step.Targets {
			if allowed[normalizeKey(target)] {
				targets = append(targets, normalizeKey(target))
			}
		}
		if len(targets) > 0 {
			restricted.Steps = append(restricted.Steps, Step{Function: step.Function, Targets: targets})
		}
	}
	return restricted
}

// Evaluate runs the chain over a copy of tags and returns the keys whose
// final value differs from the input. tags is never modified.
func (c Chain) Evaluate(tags TagSet) Changes {
	work := tags.Clone()
	edited := make(map[string]bool)

	for _, step := range c.Steps {
		updates := make(map[string][]string)
		for _, target := range step.Targets {
			target = normalizeKey(target)
			if target == KeyAll {
				continue
			}

			switch step.Function.Kind {
			case KindTagSet:
				if value, ok := step.Function.applyTagSet(work); ok {
					updates[target] = []string{value}
				}
			default:
				values, ok := work[target]
				if !ok {
					continue
				}
				if out, changed := step.Function.applyValue(values); changed {
					updates[target] = out
				}
			}
		}

		for key, values := range updates {
			work[key] = values
			edited[key] = true
		}
	}

	changes := Changes{}
	for key := range edited {
		original, existed := tags[key]
		if slices.Equal(work[key], original) {
			continue
		}
		if !existed && Deletes(work[key]) {
			continue
		}
		changes[key] = work[key]
	}
	return changes
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			out = append(out, value)
		}
	}
	return out
}
