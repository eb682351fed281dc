package sdp

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Offer is the inbound media parameters extracted from a provider's SDP
// offer: where to send RTP, and which payload types it's willing to use.
type Offer struct {
	RemoteAddr string
	RemotePort int
	Codecs     []string
}

// ParseOffer extracts the audio media description's connection address,
// port, and offered payload types from a raw SDP body.
func ParseOffer(body []byte) (*Offer, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP offer: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}

		addr := ""
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			addr = media.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			addr = desc.ConnectionInformation.Address.Address
		}
		if addr == "" {
			return nil, fmt.Errorf("SDP offer missing connection address")
		}

		return &Offer{
			RemoteAddr: addr,
			RemotePort: media.MediaName.Port.Value,
			Codecs:     media.MediaName.Formats,
		}, nil
	}

	return nil, fmt.Errorf("SDP offer has no audio media description")
}
