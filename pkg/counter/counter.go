// Package counter tokenizes transcript segments and counts target-word matches.
// Everything here is pure; callers own any accumulated totals.
package counter

import (
	"strings"
	"unicode"
)

// Tokens splits a segment on runs of whitespace or any of , . ? ! ( ) and drops empty tokens.
func Tokens(segment string) []string {
	return strings.FieldsFunc(segment, isDelimiter)
}

// Count returns how many tokens of segment match the lexicon exactly after normalization.
func Count(segment string, lex Lexicon) uint64 {
	if segment == "" || lex.Len() == 0 {
		return 0
	}
	var n uint64
	for _, tok := range Tokens(segment) {
		if lex.Contains(lex.Normalize(tok)) {
			n++
		}
	}
	return n
}

// ContainsCommand reports whether text contains word as a case-insensitive substring.
func ContainsCommand(text, word string) bool {
	word = strings.TrimSpace(word)
	if word == "" || text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(word))
}

func isDelimiter(r rune) bool {
	switch r {
	case ',', '.', '?', '!', '(', ')':
		return true
	}
	return unicode.IsSpace(r)
}
