package telephony

import (
	"encoding/xml"
	"fmt"
)

// voiceResponse is the outbound voice-response document returned from
// POST /voice/:callSid/twiml: a greeting followed by a SIP dial instruction
// targeting the Bridge Adapter, per §6. The SIP URI carries callSid and
// patientId as URI parameters so the Adapter can correlate the inbound
// INVITE back to this conversation.
type voiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
	Dial    dialVerb `xml:"Dial"`
}

type dialVerb struct {
	Sip string `xml:"Sip"`
}

// SIPDialTarget addresses the Bridge Adapter's fixed SIP listener.
type SIPDialTarget struct {
	User      string // configured SIP user the Adapter answers as
	Host      string
	Port      int
	Transport string // "udp" or "tcp"
}

// BuildVoiceResponse renders the greeting + SIP dial document for callSid,
// correlating the patient via URI parameters the Adapter reads back out of
// the INVITE Request-URI.
func BuildVoiceResponse(greeting string, target SIPDialTarget, callSid, patientID string) ([]byte, error) {
	sipURI := fmt.Sprintf("sip:%s@%s:%d;transport=%s;callSid=%s;patientId=%s",
		target.User, target.Host, target.Port, target.Transport, callSid, patientID)

	doc := voiceResponse{
		Say:  greeting,
		Dial: dialVerb{Sip: sipURI},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal voice response: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
