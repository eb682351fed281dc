package emergency

import (
	"testing"

	"github.com/careline/engine/internal/domain"
)

func phraseWithSeverity(sev domain.Severity) domain.EmergencyPhrase {
	return domain.EmergencyPhrase{Severity: sev, Category: "test"}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"I'm having chest pain!!", "i m having chest pain"},
		{"  multiple   spaces ", "multiple spaces"},
		{"Can't Breathe.", "can t breathe"},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsHypothetical_MarkerWindow(t *testing.T) {
	raw := "what if I had chest pain"
	norm := normalize(raw)
	c := candidate{Start: len("what if i had "), End: len(norm)}
	if !isHypothetical(raw, norm, "en", c) {
		t.Fatalf("expected hypothetical framing to be detected")
	}
}

func TestIsHypothetical_ReportedSpeech(t *testing.T) {
	raw := "the doctor said I might have chest pain"
	norm := normalize(raw)
	c := candidate{Start: len(norm) - len("chest pain"), End: len(norm)}
	if !isHypothetical(raw, norm, "en", c) {
		t.Fatalf("expected reported-speech framing to be detected")
	}
}

func TestIsHypothetical_Interrogative(t *testing.T) {
	raw := "am I having chest pain?"
	norm := normalize(raw)
	c := candidate{Start: len(norm) - len("chest pain"), End: len(norm)}
	if !isHypothetical(raw, norm, "en", c) {
		t.Fatalf("expected interrogative framing to be detected")
	}
}

func TestIsHypothetical_PlainStatementNotFiltered(t *testing.T) {
	raw := "I am having chest pain right now"
	norm := normalize(raw)
	c := candidate{Start: len("i am having "), End: len("i am having chest pain")}
	if isHypothetical(raw, norm, "en", c) {
		t.Fatalf("plain statement must not be filtered as hypothetical")
	}
}

func TestGradeSeverity_MaxWins(t *testing.T) {
	low := candidate{Phrase: phraseWithSeverity(0), Start: 0, End: 5}
	high := candidate{Phrase: phraseWithSeverity(2), Start: 0, End: 5}
	winner, ok := gradeSeverity([]candidate{low, high})
	if !ok || winner.Phrase.Severity != 2 {
		t.Fatalf("expected the higher-severity candidate to win, got %+v", winner)
	}
}

func TestGradeSeverity_TieBrokenBySpecificity(t *testing.T) {
	short := candidate{Phrase: phraseWithSeverity(1), Start: 0, End: 5}
	long := candidate{Phrase: phraseWithSeverity(1), Start: 0, End: 20}
	winner, ok := gradeSeverity([]candidate{short, long})
	if !ok || winner.End != 20 {
		t.Fatalf("expected the longer (more specific) match to win a severity tie, got %+v", winner)
	}
}

func TestGradeSeverity_Empty(t *testing.T) {
	if _, ok := gradeSeverity(nil); ok {
		t.Fatalf("expected no winner from an empty candidate set")
	}
}
