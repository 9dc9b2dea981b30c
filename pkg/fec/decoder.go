package fec

import (
	"github.com/klauspost/reedsolomon"

	"github.com/ethan/rtplive-engine/pkg/errs"
)

// Decoder reconstructs the original payload from a ready Block (C9).
type Decoder struct{}

// NewDecoder creates a Decoder. It holds no per-block state; the
// reconstruction codec is built fresh per block since K/R vary block to
// block.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode reassembles the original packet bytes from a Block's slot array
// (spec.md §4.8). On the fast path (all K source symbols present, no
// repair symbol ever seen) no erasure decode runs at all.
func (d *Decoder) Decode(b *Block) ([]byte, error) {
	if b.K == 0 {
		return nil, errs.Wrap(errs.FecDecodeFailed, "decode", nil)
	}
	if want := metadataChecksum(b.Timestamp, b.K, b.R, b.F); b.Checksum != want {
		return nil, errs.Wrap(errs.FecDecodeFailed, "decode: metadata checksum mismatch", nil)
	}

	if !b.HasRepair && b.Received >= int(b.K) {
		return concatSources(b.Slots, int(b.K), int(b.F), b.SymbolSize), nil
	}

	if b.Received < int(b.K) {
		return nil, errs.Wrap(errs.FecDecodeNeedMore, "decode", nil)
	}

	if b.R == 0 {
		return concatSources(b.Slots, int(b.K), int(b.F), b.SymbolSize), nil
	}

	shards := make([][]byte, int(b.K)+int(b.R))
	copy(shards, b.Slots)

	enc, err := reedsolomon.New(int(b.K), int(b.R))
	if err != nil {
		return nil, errs.Wrap(errs.FecDecodeFailed, "decode", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, errs.Wrap(errs.FecDecodeFailed, "decode", err)
	}

	return concatSources(shards, int(b.K), int(b.F), b.SymbolSize), nil
}

func concatSources(slots [][]byte, k, f, symbolSize int) []byte {
	total := k*symbolSize - f
	out := make([]byte, 0, total)
	for i := 0; i < k; i++ {
		shard := slots[i]
		if shard == nil {
			shard = make([]byte, symbolSize)
		}
		if i == k-1 {
			end := symbolSize - f
			if end < 0 {
				end = 0
			}
			if end > len(shard) {
				end = len(shard)
			}
			out = append(out, shard[:end]...)
		} else {
			out = append(out, shard...)
		}
	}
	return out
}
