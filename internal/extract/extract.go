// Package extract pulls a finalized prompt out of a free-form assistant reply.
//
// Each known output format is a named Variant. A Parser tries its variants in
// order and returns the first match. Absence of a match is never an error: the
// conversation simply continues until a later reply carries the answer.
package extract

import (
	"strings"
)

// Kind selects the matching strategy of a Variant.
type Kind int

const (
	// KindTagged reads <tag>...</tag>, optionally with a second tag.
	KindTagged Kind = iota + 1
	// KindMarkerLine reads from a marker to the end of its line.
	KindMarkerLine
	// KindMarkerPair reads two labeled fields split on a secondary marker.
	KindMarkerPair
	// KindCompletionPhrase reads the line next to a closing phrase. The phrase
	// alone still matches, with an empty Text.
	KindCompletionPhrase
)

// Variant is one supported output format.
type Variant struct {
	Name      string
	Kind      Kind
	Marker    string
	Secondary string
}

// Result is a successful extraction.
type Result struct {
	Variant     string
	Text        string
	Translation string
}

// Parser is an ordered list of variants.
type Parser []Variant

// Tagged returns a variant matching <tag>text</tag> and, when secondaryTag is
// set, <secondaryTag>translation</secondaryTag>.
func Tagged(name, tag, secondaryTag string) Variant {
	return Variant{Name: name, Kind: KindTagged, Marker: tag, Secondary: secondaryTag}
}

// MarkerLine returns a variant reading the text after marker up to the next newline.
func MarkerLine(name, marker string) Variant {
	return Variant{Name: name, Kind: KindMarkerLine, Marker: marker}
}

// MarkerPair returns a variant reading two labeled fields.
func MarkerPair(name, marker, secondary string) Variant {
	return Variant{Name: name, Kind: KindMarkerPair, Marker: marker, Secondary: secondary}
}

// CompletionPhrase returns a variant that treats phrase as the end of the
// conversation. The prompt is the last complete line above the phrase or,
// failing that, the first one below it. When neither exists the result has
// an empty Text and the caller supplies the prompt.
func CompletionPhrase(name, phrase string) Variant {
	return Variant{Name: name, Kind: KindCompletionPhrase, Marker: phrase}
}

// Parse returns the first variant match. A reply whose trimmed text ends with
// a question mark is never a final answer.
func (p Parser) Parse(text string) (Result, bool) {
	if EndsWithQuestion(text) {
		return Result{}, false
	}
	for _, v := range p {
		if res, ok := v.parse(text); ok {
			return res, true
		}
	}
	return Result{}, false
}

// Find returns the first variant match that carries prompt text, ignoring
// whether the reply ends in a question. It recovers a prompt the assistant
// proposed in an earlier turn.
func (p Parser) Find(text string) (Result, bool) {
	for _, v := range p {
		if res, ok := v.parse(text); ok && res.Text != "" {
			return res, true
		}
	}
	return Result{}, false
}

// LastQuoted returns the last line of text wrapped in a pair of quotes.
func LastQuoted(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for k := len(lines) - 1; k >= 0; k-- {
		line := strings.TrimSpace(lines[k])
		if len(line) < 2 || clean(line) == line {
			continue
		}
		if s, ok := nonEmpty(clean(line)); ok {
			return s, true
		}
	}
	return "", false
}

// EndsWithQuestion reports whether the assistant is still asking something.
func EndsWithQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}

func (v Variant) parse(text string) (Result, bool) {
	var first, second string
	var ok bool
	switch v.Kind {
	case KindTagged:
		first, ok = between(text, "<"+v.Marker+">", "</"+v.Marker+">")
		if ok && v.Secondary != "" {
			second, _ = between(text, "<"+v.Secondary+">", "</"+v.Secondary+">")
		}
	case KindMarkerLine:
		first, ok = Extract(text, v.Marker)
	case KindMarkerPair:
		first, second, ok = ExtractPair(text, v.Marker, v.Secondary)
	case KindCompletionPhrase:
		first, ok = lineNear(text, v.Marker)
	}
	if !ok {
		return Result{}, false
	}
	return Result{Variant: v.Name, Text: first, Translation: second}, true
}

// Extract returns the text following marker, cut at the first newline.
func Extract(text, marker string) (string, bool) {
	rest, ok := after(text, marker)
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	return nonEmpty(clean(rest))
}

// ExtractPair returns the field after marker (cut at secondary) and the field
// after secondary (cut at the next newline). The first field is required; the
// second may be empty.
func ExtractPair(text, marker, secondary string) (string, string, bool) {
	rest, ok := after(text, marker)
	if !ok {
		return "", "", false
	}
	i := strings.Index(rest, secondary)
	if i < 0 {
		first, ok := Extract(text, marker)
		return first, "", ok
	}
	first, ok := nonEmpty(clean(rest[:i]))
	if !ok {
		return "", "", false
	}
	second := rest[i+len(secondary):]
	if j := strings.IndexByte(second, '\n'); j >= 0 {
		second = second[:j]
	}
	return first, clean(second), true
}

func after(text, marker string) (string, bool) {
	if marker == "" {
		return "", false
	}
	i := strings.Index(text, marker)
	if i < 0 {
		return "", false
	}
	return text[i+len(marker):], true
}

func between(text, open, close string) (string, bool) {
	rest, ok := after(text, open)
	if !ok {
		return "", false
	}
	j := strings.Index(rest, close)
	if j < 0 {
		return "", false
	}
	return nonEmpty(clean(rest[:j]))
}

func lineNear(text, phrase string) (string, bool) {
	i := strings.Index(text, phrase)
	if i < 0 || phrase == "" {
		return "", false
	}
	// The phrase may share a line with a lead-in such as "좋아요! 이제"
	// or a trailing "!". Neither partial line is a prompt.
	above := strings.Split(text[:i], "\n")
	above = above[:len(above)-1]
	for k := len(above) - 1; k >= 0; k-- {
		if s, ok := nonEmpty(clean(above[k])); ok {
			return s, true
		}
	}
	below := text[i+len(phrase):]
	if j := strings.IndexByte(below, '\n'); j >= 0 {
		for _, line := range strings.Split(below[j+1:], "\n") {
			if s, ok := nonEmpty(clean(line)); ok {
				return s, true
			}
		}
	}
	return "", true
}

// clean trims whitespace and one matching pair of surrounding quotes.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		q := s[0]
		if (q == '"' || q == '\'') && s[len(s)-1] == q {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func nonEmpty(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	return s, true
}
