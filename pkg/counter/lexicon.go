package counter

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultWords are the accepted spellings of the target word.
var DefaultWords = []string{"shri", "shree"}

// Lexicon is an immutable set of normalized spellings.
type Lexicon struct {
	words map[string]struct{}
	tag   language.Tag
}

// NewLexicon builds a lexicon using locale-neutral lower-casing.
func NewLexicon(words ...string) Lexicon {
	return NewLexiconForLocale(language.Und, words...)
}

// NewLexiconForLocale builds a lexicon whose tokens are lower-cased with the rules of tag.
func NewLexiconForLocale(tag language.Tag, words ...string) Lexicon {
	lex := Lexicon{words: make(map[string]struct{}, len(words)), tag: tag}
	for _, w := range words {
		if n := lex.Normalize(w); n != "" {
			lex.words[n] = struct{}{}
		}
	}
	return lex
}

// ParseLocale resolves a BCP 47 tag such as "en-IN"; unknown tags fall back to Und.
func ParseLocale(locale string) language.Tag {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return language.Und
	}
	return tag
}

// Normalize strips punctuation and lower-cases a token.
func (l Lexicon) Normalize(token string) string {
	stripped := strings.Map(stripPunct, token)
	if stripped == "" {
		return ""
	}
	return cases.Lower(l.tag).String(stripped)
}

// Contains reports whether an already normalized token is in the lexicon.
func (l Lexicon) Contains(normalized string) bool {
	_, ok := l.words[normalized]
	return ok
}

// Words returns the sorted normalized spellings.
func (l Lexicon) Words() []string {
	out := make([]string, 0, len(l.words))
	for w := range l.words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of accepted spellings.
func (l Lexicon) Len() int {
	return len(l.words)
}

// stripPunct drops the characters in [.,/#!$%^&*;:{}=_\-`~()].
func stripPunct(r rune) rune {
	switch r {
	case '.', ',', '/', '#', '!', '$', '%', '^', '&', '*', ';', ':', '{', '}', '=', '_', '-', '`', '~', '(', ')':
		return -1
	}
	return r
}
