package frame

import "sync/atomic"

// PayloadType mirrors the RTP static payload type codes this engine uses
// on the wire (spec.md §6). Raw (pre-encode) frames carry PayloadTypeNone.
type PayloadType uint8

const (
	PayloadTypeNone PayloadType = 0
	PayloadTypeHEVC PayloadType = 96
	PayloadTypeH264 PayloadType = 97
	PayloadTypeVP9  PayloadType = 98
	PayloadTypeAAC  PayloadType = 99
)

// Plane is one contiguous region of a (possibly multi-plane) raw video
// frame, e.g. Y, U, V for planar YUV420P.
type Plane struct {
	Data     []byte
	LineSize int
}

// buffer is the shared, reference-counted backing store for a Frame's
// payload. Replaces the original implementation's manual av_free pointer
// graph (spec.md §9): the refcount is incremented on every Clone and
// decremented on every Release; the release function runs once the count
// reaches zero.
type buffer struct {
	refs    atomic.Int32
	planes  []Plane
	release func()
}

func newBuffer(planes []Plane, release func()) *buffer {
	b := &buffer{planes: planes, release: release}
	b.refs.Store(1)
	return b
}

func (b *buffer) retain() {
	b.refs.Add(1)
}

func (b *buffer) drop() {
	if b.refs.Add(-1) == 0 && b.release != nil {
		b.release()
	}
}

// Frame is the unit of media passed between pipeline stages (C1). It is
// immutable after it is first published into a queue: producing a
// "mutated" frame (e.g. after scaling) means constructing a new Frame that
// references the input, never writing into a published Frame's planes.
type Frame struct {
	buf *buffer

	Format      Format
	PayloadType PayloadType
	KeyFrame    bool

	// PTS/DTS are monotonic microseconds, not wall clock.
	PTS int64
	DTS int64

	// Size is the logical payload size in bytes (sum of planes for raw
	// video, the single encoded payload length for encoded frames).
	Size int

	// BlockSeq is this frame's sequence position within an FEC block when
	// the frame represents one FEC symbol being reassembled; zero for
	// frames that have not passed through FEC.
	BlockSeq int
}

// New creates a Frame owning the given planes with an initial ref count of
// one. release is invoked exactly once, when the last holder drops the
// frame; it is the hook a capture/codec collaborator uses to return the
// buffer to its own pool.
func New(format Format, planes []Plane, release func()) *Frame {
	size := 0
	for _, p := range planes {
		size += len(p.Data)
	}
	return &Frame{
		buf:    newBuffer(planes, release),
		Format: format,
		Size:   size,
	}
}

// NewFromBytes is a convenience constructor for single-plane payloads
// (encoded packets, AAC access units) with no special release behavior.
func NewFromBytes(format Format, payload []byte) *Frame {
	return New(format, []Plane{{Data: payload, LineSize: len(payload)}}, nil)
}

// Planes returns the frame's backing planes. Callers must not mutate the
// returned slices' contents; a Frame is immutable after publish.
func (f *Frame) Planes() []Plane {
	return f.buf.planes
}

// Payload returns the first plane's bytes, the common case for encoded
// (single-plane) frames.
func (f *Frame) Payload() []byte {
	if len(f.buf.planes) == 0 {
		return nil
	}
	return f.buf.planes[0].Data
}

// Clone returns a new Frame header sharing the same backing buffer,
// incrementing the refcount. Used when a SIMO stage fans one frame out to
// multiple output queues: each output gets its own Frame header so that
// per-consumer fields (BlockSeq, etc.) never alias, but the payload bytes
// are shared.
func (f *Frame) Clone() *Frame {
	f.buf.retain()
	clone := *f
	return &clone
}

// Release drops this holder's reference. The backing buffer's release
// hook runs when the last holder releases.
func (f *Frame) Release() {
	if f == nil || f.buf == nil {
		return
	}
	f.buf.drop()
}

// WithPayload returns a new Frame referencing a freshly produced payload
// (e.g. the output of an encoder or a pixel conversion), preserving timing
// metadata from the input. This is how the pipeline expresses "mutation"
// without ever writing into a published Frame (spec.md §3).
func (f *Frame) WithPayload(format Format, payload []byte, payloadType PayloadType, keyFrame bool) *Frame {
	out := NewFromBytes(format, payload)
	out.PTS = f.PTS
	out.DTS = f.DTS
	out.PayloadType = payloadType
	out.KeyFrame = keyFrame
	return out
}
