package tagbatch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FunctionKind decides what a Function receives when evaluated.
type FunctionKind int

const (
	// KindValue functions receive the current value of one target tag.
	KindValue FunctionKind = iota
	// KindTagSet functions receive the whole working tag-set and produce the
	// value of the target tag.
	KindTagSet
)

func (k FunctionKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTagSet:
		return "tagset"
	default:
		return fmt.Sprintf("FunctionKind(%d)", int(k))
	}
}

// ValueFunc returns ErrNoChange, or any error, to leave a tag untouched.
type ValueFunc func(value string) (string, error)

// TagSetFunc returns ErrNoChange, or any error, to leave a tag untouched.
type TagSetFunc func(tags TagSet) (string, error)

type Function struct {
	Name   string
	Kind   FunctionKind
	value  ValueFunc
	tagSet TagSetFunc
}

func ValueFunction(name string, fn ValueFunc) Function {
	return Function{Name: name, Kind: KindValue, value: fn}
}

func TagSetFunction(name string, fn TagSetFunc) Function {
	return Function{Name: name, Kind: KindTagSet, tagSet: fn}
}

// applyValue runs a KindValue function over every element of a multi value.
// It reports false when the function declined for all elements.
func (f Function) applyValue(values []string) ([]string, bool) {
	out := make([]string, len(values))
	changed := false
	for i, value := range values {
		result, err := f.value(value)
		if err != nil {
			out[i] = value
			continue
		}
		out[i] = result
		changed = true
	}
	return out, changed
}

func (f Function) applyTagSet(tags TagSet) (string, bool) {
	result, err := f.tagSet(tags)
	if err != nil {
		return "", false
	}
	return result, true
}

type functionFactory struct {
	args  int
	usage string
	build func(args []string) (Function, error)
}

var builtins = map[string]functionFactory{
	"upper": {usage: "upper", build: func([]string) (Function, error) {
		return ValueFunction("upper", func(value string) (string, error) {
			return strings.ToUpper(value), nil
		}), nil
	}},
	"lower": {usage: "lower", build: func([]string) (Function, error) {
		return ValueFunction("lower", func(value string) (string, error) {
			return strings.ToLower(value), nil
		}), nil
	}},
	"titlecase": {usage: "titlecase", build: func([]string) (Function, error) {
		caser := cases.Title(language.Und)
		return ValueFunction("titlecase", func(value string) (string, error) {
			return caser.String(value), nil
		}), nil
	}},
	"trim": {usage: "trim", build: func([]string) (Function, error) {
		return ValueFunction("trim", func(value string) (string, error) {
			return strings.Join(strings.Fields(value), " "), nil
		}), nil
	}},
	"replace": {args: 2, usage: "replace OLD NEW", build: func(args []string) (Function, error) {
		old, replacement := args[0], args[1]
		return ValueFunction("replace", func(value string) (string, error) {
			if !strings.Contains(value, old) {
				return "", ErrNoChange
			}
			return strings.ReplaceAll(value, old, replacement), nil
		}), nil
	}},
	"regex": {args: 2, usage: "regex EXPR REPLACEMENT", build: func(args []string) (Function, error) {
		re, err := regexp.Compile(args[0])
		if err != nil {
			return Function{}, errors.Errorf("invalid regex %q: %w", args[0], err)
		}
		replacement := args[1]
		return ValueFunction("regex", func(value string) (string, error) {
			if !re.MatchString(value) {
				return "", ErrNoChange
			}
			return re.ReplaceAllString(value, replacement), nil
		}), nil
	}},
	"strip": {args: 1, usage: "strip CHARS", build: func(args []string) (Function, error) {
		chars := args[0]
		return ValueFunction("strip", func(value string) (string, error) {
			return strings.Map(func(r rune) rune {
				if strings.ContainsRune(chars, r) {
					return -1
				}
				return r
			}, value), nil
		}), nil
	}},
	"pad": {args: 1, usage: "pad WIDTH", build: func(args []string) (Function, error) {
		width, err := strconv.Atoi(args[0])
		if err != nil || width < 1 {
			return Function{}, errors.Errorf("invalid pad width %q", args[0])
		}
		return ValueFunction("pad", func(value string) (string, error) {
			return padNumber(value, width)
		}), nil
	}},
	"set": {args: 1, usage: "set VALUE", build: func(args []string) (Function, error) {
		value := args[0]
		return TagSetFunction("set", func(TagSet) (string, error) {
			return value, nil
		}), nil
	}},
	"format": {args: 1, usage: "format TEMPLATE", build: func(args []string) (Function, error) {
		pattern := Compile(args[0])
		return TagSetFunction("format", func(tags TagSet) (string, error) {
			return pattern.Render(tags), nil
		}), nil
	}},
	"copy": {args: 1, usage: "copy TAG", build: func(args []string) (Function, error) {
		source := normalizeKey(args[0])
		return TagSetFunction("copy", func(tags TagSet) (string, error) {
			if !tags.Has(source) {
				return "", ErrNoChange
			}
			return tags.Get(source), nil
		}), nil
	}},
}

// padNumber zero pads the leading number of a value such as "3" or "3/12".
func padNumber(value string, width int) (string, error) {
	number, rest, _ := strings.Cut(value, "/")
	n, err := strconv.Atoi(strings.TrimSpace(number))
	if err != nil {
		return "", ErrNoChange
	}
	padded := fmt.Sprintf("%0*d", width, n)
	if strings.Contains(value, "/") {
		padded += "/" + rest
	}
	return padded, nil
}

// LookupFunction builds a builtin function by name.
func LookupFunction(name string, args []string) (Function, error) {
	factory, ok := builtins[strings.ToLower(name)]
	if !ok {
		return Function{}, errors.Errorf("unknown function: %s", name)
	}
	if len(args) != factory.args {
		return Function{}, errors.Errorf("function %s: expected %d arguments (%s), got %d", name, factory.args, factory.usage, len(args))
	}
	return factory.build(args)
}

// FunctionNames lists the builtin functions with their usage.
func FunctionNames() []string {
	names := make([]string, 0, len(builtins))
	for _, factory := range builtins {
		names = append(names, factory.usage)
	}
	sort.Strings(names)
	return names
}
