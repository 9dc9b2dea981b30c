// Package frame implements the frame model (C1): the immutable-after-publish
// packet that carries payload, timing, format, and key-frame metadata between
// pipeline stages.
package frame

// PixelFormat tags the raw pixel layout of a video frame. The set is small
// and enumerated rather than a free string: the engine never introspects it,
// it only compares it and hands it to the opaque codec/renderer collaborators.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUV420P
	PixelFormatNV12
	PixelFormatRGBA
)

// Kind distinguishes video from audio media.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Format describes the shape of a raw or decoded frame. Two formats are
// compared with Equals, which excludes fields documented as informational
// (FrameRate for video, and any running sample counter) — this is the one
// definition of format equality used throughout the engine, resolving the
// Open Question in spec.md §9 the way §3 documents.
type Format struct {
	Kind Kind

	// Video fields.
	Width       int
	Height      int
	PixelFormat PixelFormat
	BitDepth    int
	FrameRate   int // informational; excluded from Equals

	// Audio fields.
	SampleRate int
	Channels   int
	BitsPerSample int
}

// Equals reports whether two formats are semantically identical for the
// purpose of triggering encoder/scaler reconfiguration. FrameRate is
// deliberately excluded, matching original_source/src/core/format.h's
// operator== and spec.md §3.
func (f Format) Equals(other Format) bool {
	if f.Kind != other.Kind {
		return false
	}
	if f.Kind == KindAudio {
		return f.SampleRate == other.SampleRate &&
			f.Channels == other.Channels &&
			f.BitsPerSample == other.BitsPerSample
	}
	return f.Width == other.Width &&
		f.Height == other.Height &&
		f.PixelFormat == other.PixelFormat &&
		f.BitDepth == other.BitDepth
}
