package tagbatch

import (
	"regexp"
	"strings"
	"unicode"
)

var tokenPattern = regexp.MustCompile(`\[([A-Za-z_][A-Za-z0-9_]*)(?:\|([^\]]*))?\]|%([A-Za-z_][A-Za-z0-9_]*)%`)

type segment struct {
	literal  string
	tag      string
	fallback string
}

func (s segment) isTag() bool {
	return s.tag != ""
}

// Pattern is a compiled template of literal text and tag references. Tag
// references are written [artist], [genre|Unknown] or %artist%.
type Pattern struct {
	template string
	segments []segment
}

// Compile never fails; text that is not a valid token stays literal.
func Compile(template string) *Pattern {
	p := &Pattern{template: template}

	last := 0
	for _, loc := range tokenPattern.FindAllStringSubmatchIndex(template, -1) {
		if loc[0] > last {
			p.addLiteral(template[last:loc[0]])
		}
		seg := segment{}
		if loc[2] >= 0 {
			seg.tag = normalizeKey(template[loc[2]:loc[3]])
			if loc[4] >= 0 {
				seg.fallback = template[loc[4]:loc[5]]
			}
		} else {
			seg.tag = normalizeKey(template[loc[6]:loc[7]])
		}
		p.segments = append(p.segments, seg)
		last = loc[1]
	}
	if last < len(template) {
		p.addLiteral(template[last:])
	}
	return p
}

func (p *Pattern) addLiteral(text string) {
	if n := len(p.segments); n > 0 && !p.segments[n-1].isTag() {
		p.segments[n-1].literal += text
		return
	}
	p.segments = append(p.segments, segment{literal: text})
}

func (p *Pattern) String() string {
	return p.template
}

// Tags returns the referenced tag keys in template order.
func (p *Pattern) Tags() []string {
	var tags []string
	for _, seg := range p.segments {
		if seg.isTag() {
			tags = append(tags, seg.tag)
		}
	}
	return tags
}

// Adjacent reports whether two tag references follow each other with no
// literal between them. Parsing such a pattern splits by equal width.
func (p *Pattern) Adjacent() bool {
	for i := 1; i < len(p.segments); i++ {
		if p.segments[i].isTag() && p.segments[i-1].isTag() {
			return true
		}
	}
	return false
}

// Render substitutes every tag reference. Missing tags render as their
// fallback or as the empty string.
func (p *Pattern) Render(tags TagSet) string {
	var b strings.Builder
	for _, seg := range p.segments {
		if !seg.isTag() {
			b.WriteString(seg.literal)
			continue
		}
		values := tags.Values(seg.tag)
		if Deletes(values) {
			b.WriteString(seg.fallback)
			continue
		}
		b.WriteString(strings.Join(values, ", "))
	}
	return b.String()
}

// RenderFilename renders a file name for tags, sanitized as a whole and with
// the row's extension appended.
func (p *Pattern) RenderFilename(tags TagSet) string {
	name := SafeName(p.Render(tags))
	if ext := tags.Ext(); ext != "" {
		name += "." + ext
	}
	return name
}

// Parse carves input into values for the referenced tags using the literal
// segments as anchors. A leading literal must be a prefix and a trailing
// literal a suffix; interior literals match their leftmost occurrence.
// Adjacent references share their substring by equal rune width, the
// remainder going one rune each to the leading references. Empty captures
// and captures equal to the reference's fallback are omitted.
func (p *Pattern) Parse(input string) (TagSet, error) {
	result := TagSet{}
	pos := 0
	var pending []segment

	for i, seg := range p.segments {
		if seg.isTag() {
			pending = append(pending, seg)
			continue
		}

		var at int
		rest := input[pos:]
		switch {
		case len(pending) == 0:
			if !strings.HasPrefix(rest, seg.literal) {
				return nil, ErrPatternMismatch
			}
			at = pos
		case i == len(p.segments)-1:
			if !strings.HasSuffix(rest, seg.literal) {
				return nil, ErrPatternMismatch
			}
			at = len(input) - len(seg.literal)
		default:
			idx := strings.Index(rest, seg.literal)
			if idx < 0 {
				return nil, ErrPatternMismatch
			}
			at = pos + idx
		}

		assignSplit(result, pending, input[pos:at])
		pending = nil
		pos = at + len(seg.literal)
	}

	if len(pending) > 0 {
		assignSplit(result, pending, input[pos:])
	} else if pos != len(input) {
		return nil, ErrPatternMismatch
	}
	return result, nil
}

func assignSplit(result TagSet, refs []segment, text string) {
	if len(refs) == 0 {
		return
	}
	runes := []rune(text)
	width := len(runes) / len(refs)
	remainder := len(runes) % len(refs)

	start := 0
	for i, ref := range refs {
		end := start + width
		if i < remainder {
			end++
		}
		if value := string(runes[start:end]); value != "" && value != ref.fallback {
			result.Set(ref.tag, value)
		}
		start = end
	}
}

// TagsFromFilename parses the row's file name, without extension, and drops
// reserved keys from the result.
func (p *Pattern) TagsFromFilename(tags TagSet) (TagSet, error) {
	name := tags.Get(KeyPath)
	if ext := tags.Ext(); ext != "" {
		name = strings.TrimSuffix(name, "."+ext)
	}

	parsed, err := p.Parse(name)
	if err != nil {
		return nil, err
	}
	return parsed.Fields(), nil
}

// SafeName replaces characters that are not allowed in file names. Path
// separators are kept so a template can create sub folders, but empty, "."
// and ".." elements are dropped so the result stays below its folder.
func SafeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}
		switch r {
		case '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)

	elements := strings.Split(name, "/")
	kept := elements[:0]
	for _, element := range elements {
		if element == "" || element == "." || element == ".." {
			continue
		}
		kept = append(kept, element)
	}
	return strings.Join(kept, "/")
}
