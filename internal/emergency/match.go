package emergency

import (
	"strings"
	"unicode"

	"github.com/careline/engine/internal/domain"
)

// candidate is one raw phrase match before the false-positive filter and
// severity grading run.
type candidate struct {
	Phrase     domain.EmergencyPhrase
	Normalized string
	Start, End int // byte offsets into the normalized utterance
}

func (c candidate) length() int { return c.End - c.Start }

// normalize lowercases, collapses whitespace, and strips punctuation
// while preserving word boundaries, per spec §4.E stage 1.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// hypotheticalWindow is how many tokens before a match are inspected for
// a hypothetical-framing marker.
const hypotheticalWindow = 6

// hypotheticalMarkers lists, per language, the tokens/phrases that
// precede a match and evidence hypothetical framing ("if I had a heart
// attack", "what if she collapses"). "*" is the fallback list used for a
// language with no dedicated entry.
var hypotheticalMarkers = map[string][]string{
	"en": {"if", "what if", "suppose", "supposing", "imagine", "pretend", "hypothetically"},
	"es": {"si", "que tal si", "supongamos", "imagina", "hipoteticamente"},
	"*":  {"if", "what if", "suppose", "imagine", "pretend"},
}

// reportedSpeechMarkers lists phrases that mark the matched phrase as
// someone else's reported words rather than the patient's own condition
// ("the doctor said I might have a stroke").
var reportedSpeechMarkers = map[string][]string{
	"en": {"said", "told me", "mentioned that", "reported that", "says"},
	"es": {"dijo", "me dijo", "menciono que"},
	"*":  {"said", "told me"},
}

// isHypothetical reports whether candidate c in utterance (raw, for
// interrogative punctuation; normalized, for token-window scanning)
// evidences hypothetical framing, reported speech, or interrogative form,
// per spec §4.E's false-positive filter.
func isHypothetical(rawUtterance, normalizedUtterance, language string, c candidate) bool {
	if windowHasMarker(normalizedUtterance, c.Start, markersFor(hypotheticalMarkers, language)) {
		return true
	}
	if containsAny(normalizedUtterance, markersFor(reportedSpeechMarkers, language)) {
		return true
	}
	return isInterrogative(rawUtterance)
}

func markersFor(table map[string][]string, language string) []string {
	if m, ok := table[language]; ok {
		return m
	}
	return table["*"]
}

func windowHasMarker(normalized string, matchStart int, markers []string) bool {
	preceding := strings.Fields(normalized[:matchStart])
	if len(preceding) > hypotheticalWindow {
		preceding = preceding[len(preceding)-hypotheticalWindow:]
	}
	window := " " + strings.Join(preceding, " ") + " "
	for _, m := range markers {
		if strings.Contains(window, " "+m+" ") {
			return true
		}
	}
	return false
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// isInterrogative is a cheap proxy for "asking about an emergency rather
// than reporting one": the raw (pre-normalization) utterance ends with a
// question mark. Normalization strips punctuation, so this must run
// against the original text.
func isInterrogative(raw string) bool {
	return strings.HasSuffix(strings.TrimSpace(raw), "?")
}

// gradeSeverity picks the winning candidate among survivors: maximum
// severity wins; ties are broken by the longest phrase match (more
// specific). Returns false if candidates is empty.
func gradeSeverity(candidates []candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Phrase.Severity > best.Phrase.Severity {
			best = c
			continue
		}
		if c.Phrase.Severity == best.Phrase.Severity && c.length() > best.length() {
			best = c
		}
	}
	return best, true
}
