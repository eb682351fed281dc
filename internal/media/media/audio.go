package media

import "github.com/zaf/g711"

// EncodePCMU converts 16-bit LE PCM samples to PCMU (µ-law).
func EncodePCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodePCMU converts PCMU (µ-law) payload back to 16-bit LE PCM.
func DecodePCMU(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodePCMA converts 16-bit LE PCM samples to PCMA (A-law).
func EncodePCMA(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}

// DecodePCMA converts PCMA (A-law) payload back to 16-bit LE PCM.
func DecodePCMA(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}
