package media

import (
	"fmt"
	"log/slog"
)

// CodecConfig defines a supported RTP payload: its wire name, RTP payload
// type, sample rate, and the PCM<->wire conversion functions the relay
// uses in both directions.
type CodecConfig struct {
	Name        string
	PayloadType int
	SampleRate  int
	Encode      func(pcm []byte) []byte  // 16-bit LE PCM -> wire format
	Decode      func(wire []byte) []byte // wire format -> 16-bit LE PCM
	SilenceByte byte                     // wire-format silence sample, for outbound underrun
}

// CodecManager manages codec configurations
type CodecManager struct {
	codecs map[string]*CodecConfig
}

// NewCodecManager creates a codec manager with the two G.711 variants the
// spec requires: PCMU (payload 0) and PCMA (payload 8), both 8 kHz.
func NewCodecManager() *CodecManager {
	cm := &CodecManager{
		codecs: make(map[string]*CodecConfig),
	}

	cm.Register("PCMU", &CodecConfig{
		Name:        "PCMU",
		PayloadType: 0,
		SampleRate:  8000,
		Encode:      EncodePCMU,
		Decode:      DecodePCMU,
		SilenceByte: 0xFF,
	})
	cm.Register("PCMA", &CodecConfig{
		Name:        "PCMA",
		PayloadType: 8,
		SampleRate:  8000,
		Encode:      EncodePCMA,
		Decode:      DecodePCMA,
		SilenceByte: 0xD5,
	})

	return cm
}

// Register adds or updates a codec configuration
func (cm *CodecManager) Register(codecName string, cfg *CodecConfig) {
	cm.codecs[codecName] = cfg
	slog.Debug("[CodecMgr] Registered codec", "name", codecName, "pt", cfg.PayloadType, "sr", cfg.SampleRate)
}

// Get retrieves a codec configuration by name
func (cm *CodecManager) Get(codecName string) (*CodecConfig, error) {
	cfg, exists := cm.codecs[codecName]
	if !exists {
		return nil, fmt.Errorf("codec not supported: %s", codecName)
	}
	return cfg, nil
}

// GetByPayloadTypeString retrieves a codec by payload type string (e.g., "0", "8")
func (cm *CodecManager) GetByPayloadTypeString(ptStr string) (*CodecConfig, error) {
	// Try lookup by name first (for backward compatibility)
	if cfg, err := cm.Get(ptStr); err == nil {
		return cfg, nil
	}

	// Try to find by payload type
	for _, cfg := range cm.codecs {
		if fmt.Sprintf("%d", cfg.PayloadType) == ptStr {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("codec not found for payload type: %s", ptStr)
}

// GetByPayloadType retrieves a codec configuration by RTP payload type
func (cm *CodecManager) GetByPayloadType(pt int) (*CodecConfig, error) {
	for _, cfg := range cm.codecs {
		if cfg.PayloadType == pt {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("codec not found for payload type: %d", pt)
}

// SelectOffered picks the first codec from an SDP offer's payload-type list
// that this Adapter supports, honoring the offer's own order.
func (cm *CodecManager) SelectOffered(offered []string) (*CodecConfig, error) {
	for _, pt := range offered {
		if cfg, err := cm.GetByPayloadTypeString(pt); err == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("no supported codec in offer: %v", offered)
}
