package decode

// BitstreamParser turns one FEC-reassembled encoded packet into the
// decoder-ready unit a software codec expects (spec.md §4.5's
// "software-decode path ... feeds packets through a bitstream parser").
// A nil parser means the packet is already decoder-ready.
type BitstreamParser interface {
	Parse(payload []byte, keyFrame bool) []byte
}

const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

// h264AnnexBParser prepends the most recently seen SPS/PPS to every
// keyframe access unit, since a FEC-reassembled H.264 packet carries only
// the slice NAL units. Adapted from the teacher's H264Processor
// (pkg/rtp/h264.go emitNALU), which does the same prepend when
// depacketizing live RTP instead of a FEC-reassembled buffer.
type h264AnnexBParser struct {
	sps []byte
	pps []byte
}

// NewH264Parser returns a BitstreamParser for H.264 payloads. It reads
// H.264 NAL headers only; HEVC NAL units are not recognised, so HEVC
// payloads pass through without SPS/PPS being prepended.
func NewH264Parser() BitstreamParser {
	return &h264AnnexBParser{}
}

func (p *h264AnnexBParser) Parse(payload []byte, keyFrame bool) []byte {
	units := splitAVCUnits(payload)
	for _, nalu := range units {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case naluTypeSPS:
			p.sps = append([]byte(nil), nalu...)
		case naluTypePPS:
			p.pps = append([]byte(nil), nalu...)
		case naluTypeIDR:
			// The FEC header extension carries no keyframe bit (spec.md
			// §6), so a caller that cannot supply one passes keyFrame
			// false; an IDR slice NAL in the reassembled access unit is
			// itself a sufficient signal that SPS/PPS must precede it.
			keyFrame = true
		}
	}

	if !keyFrame || len(p.sps) == 0 || len(p.pps) == 0 {
		return payload
	}

	out := make([]byte, 0, len(p.sps)+len(p.pps)+len(payload)+8)
	out = appendAVCUnit(out, p.sps)
	out = appendAVCUnit(out, p.pps)
	return append(out, payload...)
}

// splitAVCUnits walks a 4-byte-length-prefixed (AVC) NAL unit stream.
func splitAVCUnits(buf []byte) [][]byte {
	var units [][]byte
	for len(buf) >= 4 {
		length := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		buf = buf[4:]
		if uint32(len(buf)) < length {
			break
		}
		units = append(units, buf[:length])
		buf = buf[length:]
	}
	return units
}

func appendAVCUnit(dst, nalu []byte) []byte {
	length := uint32(len(nalu))
	dst = append(dst, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(dst, nalu...)
}

// aacParser is a no-op: it returns each FEC-reassembled AAC payload
// unchanged and does not parse or strip RFC 3640 AU headers.
type aacParser struct{}

// NewAACParser returns a BitstreamParser for AAC payloads.
func NewAACParser() BitstreamParser { return aacParser{} }

func (aacParser) Parse(payload []byte, _ bool) []byte { return payload }
