// Package telephony implements the Telephony Gateway: the HTTP surface the
// call provider drives (inbound progress webhooks, outbound voice-response
// documents) and the outbound REST client that places and hangs up calls.
package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/careline/engine/internal/events"
)

// ProgressHandler is notified of a deduplicated, ordered provider progress
// event. The Call Orchestrator implements this to drive its state machine;
// the Gateway itself only owns webhook plumbing, not call semantics.
type ProgressHandler interface {
	HandleProgress(callSid, status string, occurredAt time.Time)
}

// VoiceResponseSource supplies the per-call greeting and patient
// correlation the voice-response document needs. The Call Orchestrator
// implements this too, looking the callSid up against its in-flight calls.
type VoiceResponseSource interface {
	// VoiceResponseData returns the greeting and patientId for callSid, or
	// false if the callSid is not a call this engine placed.
	VoiceResponseData(callSid string) (greeting, patientID string, ok bool)
}

// Gateway is the Telephony Gateway's Gin-routed HTTP surface.
type Gateway struct {
	sharedSecret string
	sipTarget    SIPDialTarget
	tracker      *ProgressTracker
	progress     ProgressHandler
	voiceSource  VoiceResponseSource
	publisher    events.Publisher

	httpServer *http.Server
}

// NewGateway builds a Gateway. progress and voiceSource may be nil during
// early wiring (e.g. before the Orchestrator is constructed); handlers then
// degrade to publishing-only / 404.
func NewGateway(sharedSecret string, sipTarget SIPDialTarget, progress ProgressHandler, voiceSource VoiceResponseSource, publisher events.Publisher) *Gateway {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Gateway{
		sharedSecret: sharedSecret,
		sipTarget:    sipTarget,
		tracker:      NewProgressTracker(),
		progress:     progress,
		voiceSource:  voiceSource,
		publisher:    publisher,
	}
}

// Register mounts the Gateway's routes on r.
func (g *Gateway) Register(r gin.IRouter) {
	r.POST("/webhooks/telephony", g.handleWebhook)
	r.POST("/voice/:callSid/twiml", g.handleVoiceResponse)
}

// Start builds a Gin engine, mounts the Gateway's routes, and begins
// listening on addr in the background.
func (g *Gateway) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	g.Register(router)

	g.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("[Telephony] server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Shutdown(ctx)
}

type progressPayload struct {
	CallSid    string    `json:"callSid"`
	CallStatus string    `json:"callStatus"`
	Timestamp  time.Time `json:"timestamp"`
}

// handleWebhook ingests a provider progress event, verifies its signature,
// collapses duplicates/out-of-order arrivals, and forwards the accepted
// result to the Orchestrator and the event bus. Accepts either JSON or
// URL-form encoded bodies per §6.
func (g *Gateway) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "cannot read body")
		return
	}

	if !g.verifySignature(c.Request.Header.Get("X-Telephony-Signature"), body) {
		c.String(http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, err := parseProgressPayload(c.ContentType(), body)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid payload: %v", err)
		return
	}
	if payload.CallSid == "" || payload.CallStatus == "" {
		c.String(http.StatusBadRequest, "missing callSid or callStatus")
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	if !g.tracker.Accept(payload.CallSid, payload.CallStatus, payload.Timestamp) {
		c.Status(http.StatusOK)
		return
	}

	if g.progress != nil {
		g.progress.HandleProgress(payload.CallSid, payload.CallStatus, payload.Timestamp)
	}
	g.publisher.PublishAsync(events.NewBuilder("telephony-gateway").ProviderProgress(payload.CallSid, payload.CallStatus, payload.Timestamp))

	c.Status(http.StatusOK)
}

func parseProgressPayload(contentType string, body []byte) (progressPayload, error) {
	var p progressPayload

	if strings.Contains(contentType, gin.MIMEJSON) {
		if err := json.Unmarshal(body, &p); err != nil {
			return p, err
		}
		return p, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return p, err
	}
	p.CallSid = values.Get("callSid")
	p.CallStatus = values.Get("callStatus")
	if ts := values.Get("timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			p.Timestamp = parsed
		}
	}
	return p, nil
}

// handleVoiceResponse returns the greeting + SIP dial document for an
// in-flight call.
func (g *Gateway) handleVoiceResponse(c *gin.Context) {
	callSid := c.Param("callSid")

	if g.voiceSource == nil {
		c.Status(http.StatusNotFound)
		return
	}

	greeting, patientID, ok := g.voiceSource.VoiceResponseData(callSid)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	doc, err := BuildVoiceResponse(greeting, g.sipTarget, callSid, patientID)
	if err != nil {
		c.String(http.StatusInternalServerError, "build voice response: %v", err)
		return
	}

	c.Data(http.StatusOK, "text/xml; charset=utf-8", doc)
}

func (g *Gateway) verifySignature(header string, body []byte) bool {
	if g.sharedSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(g.sharedSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}
