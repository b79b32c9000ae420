package audio

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// SilenceDBFS is the level reported for an all-zero frame.
const SilenceDBFS = -96.0

// PeakDBFS decodes a base64 G.711 µ-law frame into a scratch PCM buffer and
// returns its peak level in dBFS. The payload itself is never modified.
func PeakDBFS(payloadBase64 string) (float64, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return 0, fmt.Errorf("decode payload: %w", err)
	}
	if len(ulaw) == 0 {
		return SilenceDBFS, nil
	}
	return peakPCM16LE(g711.DecodeUlaw(ulaw)), nil
}

func peakPCM16LE(pcm []byte) float64 {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(float64(peak)/32768)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}
