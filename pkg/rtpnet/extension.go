package rtpnet

import "encoding/binary"

// fecExtensionID is the one-byte RTP header-extension ID this session
// always uses for FEC metadata. RFC 5285's one-byte extension profile
// reserves id 0 and 15; pion/rtp's Header.SetExtension rejects id 0. The
// FEC symbol index therefore travels inside the extension payload
// instead of riding the wire ID, which otherwise could not represent a
// block's symbol 0.
const fecExtensionID uint8 = 1

// packFECExtension encodes Index, K, R, F, and the block's metadata
// checksum as five big-endian uint16s into the RTP header extension
// payload this engine's FEC metadata uses. 10 bytes fits the one-byte
// extension profile's 16-byte-per-extension ceiling.
func packFECExtension(index, k, r, f, checksum uint16) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], index)
	binary.BigEndian.PutUint16(buf[2:4], k)
	binary.BigEndian.PutUint16(buf[4:6], r)
	binary.BigEndian.PutUint16(buf[6:8], f)
	binary.BigEndian.PutUint16(buf[8:10], checksum)
	return buf
}

// unpackFECExtension reverses packFECExtension. ok is false if data is not
// 10 bytes, in which case the caller treats the packet as raw pass-through
// (index=0, K=1, R=0, F=0).
func unpackFECExtension(data []byte) (index, k, r, f, checksum uint16, ok bool) {
	if len(data) != 10 {
		return 0, 0, 0, 0, 0, false
	}
	index = binary.BigEndian.Uint16(data[0:2])
	k = binary.BigEndian.Uint16(data[2:4])
	r = binary.BigEndian.Uint16(data[4:6])
	f = binary.BigEndian.Uint16(data[6:8])
	checksum = binary.BigEndian.Uint16(data[8:10])
	return index, k, r, f, checksum, true
}
