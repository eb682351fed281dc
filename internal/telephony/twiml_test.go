package telephony

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildVoiceResponse(t *testing.T) {
	target := SIPDialTarget{User: "careline", Host: "10.0.0.5", Port: 5060, Transport: "udp"}

	doc, err := BuildVoiceResponse("Hello, this is your wellness check-in.", target, "CA123", "pat-456")
	require.NoError(t, err)

	var parsed voiceResponse
	require.NoError(t, xml.Unmarshal(doc, &parsed))

	assert.Equal(t, "Hello, this is your wellness check-in.", parsed.Say)
	assert.Contains(t, parsed.Dial.Sip, "sip:careline@10.0.0.5:5060")
	assert.Contains(t, parsed.Dial.Sip, "callSid=CA123")
	assert.Contains(t, parsed.Dial.Sip, "patientId=pat-456")
}
