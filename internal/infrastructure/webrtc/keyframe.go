package webrtc

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// isKeyframe reports whether a depacketized sample can start decoding.
// Codecs without inter-frame prediction always can.
func isKeyframe(mimeType string, sample []byte) bool {
	if len(sample) == 0 {
		return false
	}

	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		// VP8 frame tag: P bit (bit 0) is 0 for key frames.
		return sample[0]&0x01 == 0
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return h264HasIDR(sample)
	default:
		return true
	}
}

// h264HasIDR scans an Annex B stream for an IDR slice (NAL type 5).
func h264HasIDR(sample []byte) bool {
	for i := 0; i+3 < len(sample); i++ {
		if sample[i] != 0 || sample[i+1] != 0 {
			continue
		}
		start := -1
		switch {
		case sample[i+2] == 1:
			start = i + 3
		case sample[i+2] == 0 && sample[i+3] == 1 && i+4 < len(sample):
			start = i + 4
		}
		if start >= 0 && start < len(sample) && sample[start]&0x1F == 5 {
			return true
		}
	}
	return false
}
