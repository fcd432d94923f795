package transcript

import (
	"strings"
	"unicode/utf8"
)

// Result is the outcome of reconciling one event against the processed cursor.
type Result struct {
	// NewSegment is the lower-cased text beyond the processed cursor; the only text ever counted.
	NewSegment    string
	FullText      string
	FinalizedText string
	// ProcessedLength is the cursor to persist for the next event. It never decreases.
	ProcessedLength int
}

// Shrunk reports whether the provider returned less text than was already processed.
func (r Result) Shrunk(previous int) bool {
	return utf8.RuneCountInString(r.FullText) < previous
}

// Reconcile derives the newly exposed transcript text of event given the number of
// characters already accounted for. Offsets are in runes.
func Reconcile(event Event, processedLength int) Result {
	full := event.FullText()
	suffix, next := UnseenSuffix(full, processedLength)
	return Result{
		NewSegment:      strings.ToLower(suffix),
		FullText:        full,
		FinalizedText:   event.FinalizedText(),
		ProcessedLength: next,
	}
}

// UnseenSuffix returns the part of full beyond processed characters and the advanced cursor.
// A full text shorter than the cursor yields "" and leaves the cursor where it was.
func UnseenSuffix(full string, processed int) (string, int) {
	if processed < 0 {
		processed = 0
	}
	n := utf8.RuneCountInString(full)
	if n <= processed {
		return "", processed
	}
	if processed == 0 {
		return full, n
	}
	i := 0
	for offset := range full {
		if i == processed {
			return full[offset:], n
		}
		i++
	}
	return "", processed
}

// CommonPrefixLength returns the number of leading runes a and b share.
func CommonPrefixLength(a, b string) int {
	n := 0
	for a != "" && b != "" {
		ra, sa := utf8.DecodeRuneInString(a)
		rb, sb := utf8.DecodeRuneInString(b)
		if ra != rb {
			break
		}
		a, b = a[sa:], b[sb:]
		n++
	}
	return n
}

// Revision reports how many runes of prev were rewritten by next.
// Pure extensions report zero.
func Revision(prev, next string) int {
	return utf8.RuneCountInString(prev) - CommonPrefixLength(prev, next)
}
