package orchestrator

import (
	"context"

	"github.com/careline/engine/internal/aisession"
	"github.com/careline/engine/internal/domain"
)

// NewAISessionOpener adapts aisession.Open (a package function) and
// *aisession.Session (which already satisfies AISession) into a
// SessionOpener that dials the realtime voice
// provider per cfg for every call.
func NewAISessionOpener(cfg aisession.Config) SessionOpener {
	return SessionOpenerFunc(func(ctx context.Context, callSid string, patient domain.Patient, language string) (AISession, error) {
		return aisession.Open(ctx, cfg, callSid, patient, language)
	})
}
