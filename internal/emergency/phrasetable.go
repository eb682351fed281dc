// Package emergency implements the Emergency Detector: a two-stage
// phrase-match pipeline that runs off every completed patient utterance,
// grades surviving candidates by severity, and suppresses re-fires via a
// Redis-backed per-patient dedup window and hourly rate cap.
//
// The phrase vocabulary is served from a copy-on-write snapshot
// (atomic.Pointer[PhraseTable]), the same pattern as the teacher's
// dialplan.Dialplan: routes loaded once, swapped atomically on Reload,
// read lock-free on the hot path.
package emergency

import (
	"context"
	"fmt"
	"regexp"

	"github.com/careline/engine/internal/domain"
)

// compiledPhrase pairs a vocabulary entry with its compiled word-boundary
// matcher over normalized text.
type compiledPhrase struct {
	domain.EmergencyPhrase
	normalized string
	matcher    *regexp.Regexp
}

// languageAgnostic is the EmergencyPhrase.Language value (or empty string)
// that marks a phrase as a fallback tried against every utterance
// regardless of the patient's preferred language, per spec §4.E's
// "secondary fallback to language-agnostic patterns".
const languageAgnostic = "*"

// PhraseTable is an immutable, compiled snapshot of the detector
// vocabulary. Build it once via newPhraseTable and swap it in atomically;
// never mutate a published PhraseTable in place.
type PhraseTable struct {
	byLanguage map[string][]compiledPhrase
	agnostic   []compiledPhrase
	size       int
}

// PhraseLoader reads the current vocabulary, e.g. *store.Store's
// ListEmergencyPhrases.
type PhraseLoader interface {
	ListEmergencyPhrases(ctx context.Context) ([]domain.EmergencyPhrase, error)
}

func newPhraseTable(phrases []domain.EmergencyPhrase) (*PhraseTable, error) {
	t := &PhraseTable{byLanguage: make(map[string][]compiledPhrase)}
	for _, p := range phrases {
		cp, err := compilePhrase(p)
		if err != nil {
			return nil, fmt.Errorf("compile phrase %q (%s): %w", p.Phrase, p.Language, err)
		}
		if p.Language == "" || p.Language == languageAgnostic {
			t.agnostic = append(t.agnostic, cp)
		} else {
			t.byLanguage[p.Language] = append(t.byLanguage[p.Language], cp)
		}
		t.size++
	}
	return t, nil
}

func compilePhrase(p domain.EmergencyPhrase) (compiledPhrase, error) {
	norm := normalize(p.Phrase)
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(norm) + `\b`)
	if err != nil {
		return compiledPhrase{}, err
	}
	return compiledPhrase{EmergencyPhrase: p, normalized: norm, matcher: re}, nil
}

// Size returns the number of compiled vocabulary entries.
func (t *PhraseTable) Size() int {
	if t == nil {
		return 0
	}
	return t.size
}

// candidatesFor returns every phrase match in normalizedUtterance for
// language, trying the language-specific set first and falling back to
// the language-agnostic set.
func (t *PhraseTable) candidatesFor(normalizedUtterance, language string) []candidate {
	if t == nil {
		return nil
	}
	var out []candidate
	for _, cp := range t.byLanguage[language] {
		out = append(out, matchAll(cp, normalizedUtterance)...)
	}
	for _, cp := range t.agnostic {
		out = append(out, matchAll(cp, normalizedUtterance)...)
	}
	return out
}

func matchAll(cp compiledPhrase, text string) []candidate {
	locs := cp.matcher.FindAllStringIndex(text, -1)
	if locs == nil {
		return nil
	}
	out := make([]candidate, 0, len(locs))
	for _, loc := range locs {
		out = append(out, candidate{Phrase: cp.EmergencyPhrase, Normalized: cp.normalized, Start: loc[0], End: loc[1]})
	}
	return out
}
