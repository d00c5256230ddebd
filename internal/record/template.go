package record

import (
	"io"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/language"
)

// DefaultLanguage is used when a translation for the user's language is
// missing.
const DefaultLanguage = "en"

var placeholderPattern = regexp.MustCompile(`\{([^}]*)\}`)

// Segment is either literal instruction text or a placeholder reference.
type Segment struct {
	Text        string
	Placeholder string
}

// IsPlaceholder reports whether the segment refers to a placeholder.
func (s Segment) IsPlaceholder() bool {
	return s.Placeholder != ""
}

// ParseTemplate splits an instruction template into literal and
// placeholder segments, in order.
func ParseTemplate(text string) []Segment {
	var segments []Segment
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			segments = append(segments, Segment{Text: text[last:loc[0]]})
		}
		key := strings.TrimSpace(text[loc[2]:loc[3]])
		if key == "" {
			segments = append(segments, Segment{Text: text[loc[0]:loc[1]]})
		} else {
			segments = append(segments, Segment{Placeholder: key})
		}
		last = loc[1]
	}
	if last < len(text) {
		segments = append(segments, Segment{Text: text[last:]})
	}
	return segments
}

// Localize picks the best translation for lang from a language map:
// a matching language, then English, then whatever text exists.
func Localize(texts map[string]string, lang string) string {
	if len(texts) == 0 {
		return ""
	}
	if text, ok := texts[lang]; ok && text != "" {
		return text
	}
	keys := make([]string, 0, len(texts))
	for key := range texts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == DefaultLanguage || keys[j] == DefaultLanguage {
			return keys[i] == DefaultLanguage
		}
		return keys[i] < keys[j]
	})
	var (
		tags  []language.Tag
		names []string
	)
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		names = append(names, key)
	}
	if want, err := language.Parse(lang); err == nil && len(tags) > 0 {
		_, index, confidence := language.NewMatcher(tags).Match(want)
		if confidence != language.No {
			if text := texts[names[index]]; text != "" {
				return text
			}
		}
	}
	if text := texts[DefaultLanguage]; text != "" {
		return text
	}
	for _, key := range keys {
		if texts[key] != "" {
			return texts[key]
		}
	}
	return ""
}

// InstructionText returns the instruction template in the user's language.
func (s Step) InstructionText(lang string) string {
	return Localize(s.Instruction, lang)
}

// Segments parses the localized instruction template.
func (s Step) Segments(lang string) []Segment {
	return ParseTemplate(s.InstructionText(lang))
}

// PlaceholderKeys lists the step's placeholders in template order, followed
// by any that the template does not mention.
func (s Step) PlaceholderKeys(lang string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, seg := range s.Segments(lang) {
		if !seg.IsPlaceholder() || seen[seg.Placeholder] {
			continue
		}
		if _, ok := s.Placeholders[seg.Placeholder]; !ok {
			continue
		}
		seen[seg.Placeholder] = true
		keys = append(keys, seg.Placeholder)
	}
	var rest []string
	for key := range s.Placeholders {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// DisplayName returns the parent's name in the user's language.
func (p Parent) DisplayName(lang string) string {
	return Localize(p.Name, lang)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "ul": true, "ol": true,
}

// PlainText strips markup from instruction text, keeping line breaks
// implied by block elements.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return strings.TrimRight(b.String(), "\n")
			}
			return fragment
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if blockTags[string(name)] && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		}
	}
}
