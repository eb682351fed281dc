package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/engine/internal/domain"
)

func TestClient_PlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		assert.Equal(t, "Bearer shh", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"call_sid":"CA999"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh")
	sid, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		Patient:     domain.Patient{Phone: "+15551230000"},
		CallbackURL: "https://example.test/webhooks/telephony",
		VoiceURL:    "https://example.test/voice/CA999/twiml",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA999", sid)
}

func TestClient_PlaceCall_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh")
	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		Patient: domain.Patient{Phone: "+15551230000"},
	})
	assert.Error(t, err)
}

func TestClient_Hangup_IdempotentOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh")
	err := c.Hangup(context.Background(), "CA-already-gone")
	assert.NoError(t, err, "hangup on an already-terminated call must be a no-op, not an error")
}
