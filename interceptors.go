package strand

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars are Unicode zero-width and invisible characters commonly
// used to smuggle instructions past text filters.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u180e", " ", // Mongolian vowel separator
	"\u00ad", "", // soft hyphen (removed, not replaced)
)

// Normalizer is a text-chunk and final-message interceptor that strips
// zero-width characters and applies NFKC normalization. It intercepts the
// text slots only, never the raw chunks: normalizing raw bytes could corrupt
// a delimiter mid-block.
type Normalizer struct{}

func (Normalizer) InterceptTextChunk(chunk string) (string, bool) {
	return norm.NFKC.String(zeroWidthChars.Replace(chunk)), true
}

func (Normalizer) InterceptFinalMessage(accumulated string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(accumulated))
}

// ResultTruncator caps gadget result text before it enters the transcript,
// preventing unbounded context growth from handlers that return very large
// outputs (web scraping, file reads). Events retain the full content; only
// the intercepted result is trimmed.
type ResultTruncator struct {
	// MaxRunes is the cap; 0 means the 100k default (~25K tokens).
	MaxRunes int
}

func (t ResultTruncator) InterceptResult(text string) string {
	max := t.MaxRunes
	if max <= 0 {
		max = 100_000
	}
	if len(text) <= max {
		return text
	}
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "\n\n[output truncated — original was longer]"
}
