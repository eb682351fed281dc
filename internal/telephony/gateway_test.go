package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/engine/internal/events"
)

type fakeProgressHandler struct {
	calls []string
}

func (f *fakeProgressHandler) HandleProgress(callSid, status string, occurredAt time.Time) {
	f.calls = append(f.calls, callSid+":"+status)
}

type fakeVoiceSource struct {
	greeting, patientID string
	ok                  bool
}

func (f fakeVoiceSource) VoiceResponseData(callSid string) (string, string, bool) {
	return f.greeting, f.patientID, f.ok
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestRouter(g *Gateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g.Register(r)
	return r
}

func TestGateway_Webhook_ValidSignatureAccepted(t *testing.T) {
	handler := &fakeProgressHandler{}
	g := NewGateway("shh", SIPDialTarget{}, handler, nil, events.NewNoopPublisher())
	r := newTestRouter(g)

	body := []byte(`{"callSid":"CA1","callStatus":"ringing"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telephony-Signature", sign("shh", body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, handler.calls, 1)
	assert.Equal(t, "CA1:ringing", handler.calls[0])
}

func TestGateway_Webhook_InvalidSignatureRejected(t *testing.T) {
	handler := &fakeProgressHandler{}
	g := NewGateway("shh", SIPDialTarget{}, handler, nil, events.NewNoopPublisher())
	r := newTestRouter(g)

	body := []byte(`{"callSid":"CA1","callStatus":"ringing"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telephony-Signature", "not-the-right-signature")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, handler.calls)
}

func TestGateway_Webhook_FormEncodedAccepted(t *testing.T) {
	handler := &fakeProgressHandler{}
	g := NewGateway("shh", SIPDialTarget{}, handler, nil, events.NewNoopPublisher())
	r := newTestRouter(g)

	body := []byte("callSid=CA2&callStatus=completed")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Telephony-Signature", sign("shh", body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, handler.calls, 1)
	assert.Equal(t, "CA2:completed", handler.calls[0])
}

func TestGateway_Webhook_DuplicateCollapses(t *testing.T) {
	handler := &fakeProgressHandler{}
	g := NewGateway("shh", SIPDialTarget{}, handler, nil, events.NewNoopPublisher())
	r := newTestRouter(g)

	body := []byte(`{"callSid":"CA3","callStatus":"ringing","timestamp":"2026-01-01T00:00:00Z"}`)
	sig := sign("shh", body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Telephony-Signature", sig)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Len(t, handler.calls, 1, "duplicate (callSid, status, timestamp) must not re-drive the Orchestrator")
}

func TestGateway_VoiceResponse_NotFoundWithoutSource(t *testing.T) {
	g := NewGateway("shh", SIPDialTarget{}, nil, nil, events.NewNoopPublisher())
	r := newTestRouter(g)

	req := httptest.NewRequest(http.MethodPost, "/voice/CA1/twiml", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_VoiceResponse_RendersDocument(t *testing.T) {
	source := fakeVoiceSource{greeting: "Hi there", patientID: "pat-1", ok: true}
	target := SIPDialTarget{User: "careline", Host: "10.0.0.1", Port: 5060, Transport: "udp"}
	g := NewGateway("shh", target, nil, source, events.NewNoopPublisher())
	r := newTestRouter(g)

	req := httptest.NewRequest(http.MethodPost, "/voice/CA1/twiml", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hi there")
	assert.Contains(t, rec.Body.String(), "callSid=CA1")
}
