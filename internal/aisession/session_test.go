package aisession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/engine/internal/domain"
)

// testProvider is a minimal stand-in for the realtime voice provider:
// it upgrades the connection, echoes whatever wireEnvelope frames the
// test pushes onto its send channel, and records what it receives.
type testProvider struct {
	upgrader websocket.Upgrader
	send     chan wireEnvelope
	received chan wireEnvelope
}

func newTestProvider() *testProvider {
	return &testProvider{
		send:     make(chan wireEnvelope, 16),
		received: make(chan wireEnvelope, 16),
	}
}

func (p *testProvider) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for env := range p.send {
			if conn.WriteJSON(env) != nil {
				return
			}
		}
	}()

	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case p.received <- env:
		default:
		}
	}
}

func openTestSession(t *testing.T) (*Session, *testProvider, func()) {
	t.Helper()
	provider := newTestProvider()
	srv := httptest.NewServer(http.HandlerFunc(provider.handler))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := Config{
		Endpoint:        wsURL,
		APIKey:          "test-key",
		ReconnectWindow: 2 * time.Second,
	}

	sess, err := Open(context.Background(), cfg, "CA1", domain.Patient{ID: "pat-1"}, "en")
	require.NoError(t, err)

	return sess, provider, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sess.Close(ctx)
		srv.Close()
	}
}

func TestSession_OpenDeclaresState(t *testing.T) {
	_, provider, cleanup := openTestSession(t)
	defer cleanup()

	select {
	case env := <-provider.received:
		assert.Equal(t, wireType("session.update"), env.Type)
		var data sessionStateData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "CA1", data.CallSid)
		assert.Equal(t, "pat-1", data.PatientID)
	case <-time.After(time.Second):
		t.Fatal("provider did not receive session.update")
	}
}

func TestSession_AudioAppendForwardsFrame(t *testing.T) {
	sess, provider, cleanup := openTestSession(t)
	defer cleanup()
	<-provider.received // session.update

	require.NoError(t, sess.AudioAppend([]byte{1, 2, 3}))

	select {
	case env := <-provider.received:
		assert.Equal(t, wireAudioAppend, env.Type)
	case <-time.After(time.Second):
		t.Fatal("provider did not receive audio.append")
	}
}

func TestSession_InboundAudioDeltaSurfaces(t *testing.T) {
	sess, provider, cleanup := openTestSession(t)
	defer cleanup()
	<-provider.received // session.update

	data, _ := json.Marshal(audioFrameData{PCM: []byte{9, 9}})
	provider.send <- wireEnvelope{Type: wireAudioDelta, Data: data}

	select {
	case ev := <-sess.Events():
		require.Equal(t, KindAudioDelta, ev.Kind)
		assert.Equal(t, []byte{9, 9}, ev.AudioPCM)
	case <-time.After(time.Second):
		t.Fatal("did not receive audioDelta event")
	}
}

func TestSession_BargeInDropsStaleAudioDelta(t *testing.T) {
	sess, _, cleanup := openTestSession(t)
	defer cleanup()

	// First frame of a turn opens turnEpoch at the current epoch.
	sess.handleAudioDelta(marshal(t, audioFrameData{PCM: []byte{1}}))
	select {
	case ev := <-sess.Events():
		assert.Equal(t, KindAudioDelta, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected first frame to surface")
	}

	// speechStarted mid-turn triggers barge-in: cancel bumps the epoch.
	sess.handleSpeechStarted()
	select {
	case ev := <-sess.Events():
		assert.Equal(t, KindSpeechStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected speechStarted to surface")
	}

	// A frame that belongs to the now-stale turn must be dropped.
	sess.handleAudioDelta(marshal(t, audioFrameData{PCM: []byte{2}}))
	select {
	case ev := <-sess.Events():
		t.Fatalf("stale audioDelta must be dropped, got %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_UserTranscriptPartialAndCompleted(t *testing.T) {
	sess, _, cleanup := openTestSession(t)
	defer cleanup()

	sess.handleTranscriptPartial(marshal(t, transcriptData{Role: roleUser, Text: "hel"}))
	select {
	case ev := <-sess.Events():
		assert.Equal(t, KindUserTranscriptPartial, ev.Kind)
		assert.Equal(t, "hel", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("expected userTranscriptPartial")
	}

	sess.handleTranscriptComplete(marshal(t, transcriptData{Role: roleUser, Text: "hello"}))
	select {
	case ev := <-sess.Events():
		assert.Equal(t, KindUserTranscriptCompleted, ev.Kind)
		assert.Equal(t, "hello", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("expected userTranscriptCompleted")
	}
}

func TestSession_AssistantPartialFlushedOnUnresumableClose(t *testing.T) {
	sess, _, cleanup := openTestSession(t)
	defer cleanup()

	sess.handleTranscriptPartial(marshal(t, transcriptData{Role: roleAssistant, Text: "I think you"}))
	sess.flushFatal(assertErr)

	var gotText, gotErr bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sess.Events():
			switch ev.Kind {
			case KindAssistantTranscriptCompleted:
				assert.Equal(t, "I think you", ev.Text)
				gotText = true
			case KindError:
				gotErr = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected both a flushed transcript and a fatal error event")
		}
	}
	assert.True(t, gotText)
	assert.True(t, gotErr)
}

var assertErr = context.DeadlineExceeded

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
