// Package rtpnet implements the RTP session (C10): RTP/RTCP single-port
// multiplex, RTCP SDES/BYE for membership signaling instead of
// out-of-band control, and header-extension packing for FEC metadata.
// Grounded on original_source's RTPSession (src/rtp_network/rtpsession.cpp)
// translated from jrtplib's session object onto a plain net.UDPConn plus
// github.com/pion/rtp and github.com/pion/rtcp for wire encoding, since
// jrtplib itself has no Go equivalent. Receive-loop cancellation follows
// the teacher's pattern in pkg/rtsp/client.go (context.Context plus a
// dedicated reader goroutine).
package rtpnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/rtplive-engine/pkg/errs"
	"github.com/ethan/rtplive-engine/pkg/logger"
)

// State is the session lifecycle (spec.md §4.9's state machine).
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// noteInterval is how often SDES is re-advertised while the session is
// open, mirroring the original's SetNoteInterval(1)/SetNameInterval(1)
// (once per RTCP interval).
const noteInterval = time.Second

// RTPHandler receives one validated RTP packet with its parsed FEC
// extension (K=1,R=0,F=0 for packets without an extension, spec.md §6).
type RTPHandler func(packet *rtp.Packet, extIndex uint16, k, r, f uint16, checksum uint16)

// RTCPHandler receives one parsed RTCP compound packet's items.
type RTCPHandler func(pkts []rtcp.Packet, remote *net.UDPAddr)

// NetworkQualityHandler reports this session's receive-side jitter
// (RTP timestamp units, RFC 3550 §6.4.1) and cumulative fraction lost,
// plus the round-trip time measured against the last Sender Report this
// session sent (spec.md §6's on_local_network).
type NetworkQualityHandler func(jitter float64, fractionLost float64, rttMs float64)

// Config configures one Session.
type Config struct {
	LocalSSRC   uint32
	PayloadType uint8
	ClockRate   uint32 // RTP timestamp units per second; 0 disables jitter tracking
	Logger      *logger.Logger
	OnRTP       RTPHandler
	OnRTCP      RTCPHandler
	OnQuality   NetworkQualityHandler
}

// Session is one RTP/RTCP endpoint for a single media kind (spec.md §4.9).
type Session struct {
	cfg Config
	log *logger.Logger

	mu    sync.Mutex
	state State
	conn  *net.UDPConn
	dest  *net.UDPAddr

	localName string
	roomName  string
	pushFlag  bool

	seq       uint16
	timestamp uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	packetsSent   atomic.Uint64

	statsMu       sync.Mutex
	haveLastSeq   bool
	lastSeq       uint16
	lastTransit   int64
	haveTransit   bool
	jitter        float64
	receivedCount uint32
	lostCount     uint32

	srSentAt    time.Time
	srMiddleNTP uint32
	haveSR      bool
	rttMs       float64
}

// New creates a Session in the Idle state.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Session{cfg: cfg, log: cfg.Logger.With("category", "session")}
}

// Create opens the session's UDP socket with RTP/RTCP single-port
// multiplexing and starts the receive loop (spec.md §4.9 IDLE -> OPEN).
func (s *Session) Create(portBase int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return errs.Wrap(errs.RtpSessionInvalid, "create", nil)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: portBase})
	if err != nil {
		return errs.Wrap(errs.RtpSessionInvalid, "create", err)
	}
	s.conn = conn
	s.state = StateOpen
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.receiveLoop()
	go s.advertiseLoop()
	return nil
}

// IsActive reports whether the session is open.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// SetDestination sets the remote endpoint packets are sent to.
func (s *Session) SetDestination(ip string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return errs.Wrap(errs.RtpSessionInvalid, "set destination", err)
	}
	s.mu.Lock()
	s.dest = addr
	s.mu.Unlock()
	return nil
}

// SetLocalName sets the local name this session advertises in its SDES
// CNAME item.
func (s *Session) SetLocalName(name string) {
	s.mu.Lock()
	s.localName = name
	s.mu.Unlock()
}

// SetRoom sets the room name advertised in SDES NOTE (spec.md §4.9's
// set_room operation); the push flag defaults to whatever was last set
// with SetPushFlag.
func (s *Session) SetRoom(room string) {
	s.mu.Lock()
	s.roomName = room
	s.mu.Unlock()
	s.sendSDES()
}

// SetPushFlag toggles the push-flag character in SDES NOTE.
func (s *Session) SetPushFlag(pushing bool) {
	s.mu.Lock()
	changed := s.pushFlag != pushing
	s.pushFlag = pushing
	s.mu.Unlock()
	if changed {
		s.sendSDES()
	}
}

// Send emits one RTP packet (spec.md §4.9's send operation).
func (s *Session) Send(payload []byte, mark bool, tsInc uint32) error {
	return s.sendPacket(payload, mark, tsInc, false, nil)
}

// SendEx emits one RTP packet carrying the FEC metadata header extension
// (spec.md §4.9's send_ex operation). extIndex is the symbol's index
// within its block; it travels inside the extension payload, not as the
// wire extension ID, since a block's first symbol has index 0 and id 0
// is reserved by RFC 5285. checksum is the block metadata's CRC16.
func (s *Session) SendEx(payload []byte, mark bool, tsInc uint32, extIndex uint16, k, r, f, checksum uint16) error {
	return s.sendPacket(payload, mark, tsInc, true, packFECExtension(extIndex, k, r, f, checksum))
}

func (s *Session) sendPacket(payload []byte, mark bool, tsInc uint32, withExt bool, extData []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return errs.Wrap(errs.RtpSessionInvalid, "send", nil)
	}
	conn, dest := s.conn, s.dest
	s.timestamp += tsInc
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         mark,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.cfg.LocalSSRC,
		},
		Payload: payload,
	}
	s.seq++
	s.mu.Unlock()

	if withExt {
		pkt.Header.Extension = true
		if err := pkt.Header.SetExtension(fecExtensionID, extData); err != nil {
			return errs.Wrap(errs.RtpSendFailed, "set extension", err)
		}
	}

	if dest == nil {
		return errs.Wrap(errs.RtpSessionInvalid, "send", nil)
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return errs.Wrap(errs.RtpSendFailed, "marshal", err)
	}
	n, err := conn.WriteToUDP(buf, dest)
	if err != nil {
		return errs.Wrap(errs.RtpSendFailed, "write", err)
	}
	s.bytesSent.Add(uint64(n))
	s.packetsSent.Add(1)
	return nil
}

// Bye transitions OPEN -> CLOSING -> IDLE, emitting an RTCP BYE with an
// optional reason (spec.md §4.9).
func (s *Session) Bye(reason string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	conn, dest, ssrc := s.conn, s.dest, s.cfg.LocalSSRC
	s.mu.Unlock()

	if conn != nil && dest != nil {
		bye := &rtcp.Goodbye{Sources: []uint32{ssrc}, Reason: reason}
		buf, err := rtcp.Marshal([]rtcp.Packet{bye})
		if err == nil {
			conn.WriteToUDP(buf, dest)
		}
	}

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateIdle
	s.mu.Unlock()
	return nil
}

// BytesSent and BytesReceived back the upload/download bandwidth
// callbacks the engine facade reports (spec.md §6).
func (s *Session) BytesSent() uint64     { return s.bytesSent.Load() }
func (s *Session) BytesReceived() uint64 { return s.bytesReceived.Load() }

func (s *Session) sendSDES() {
	s.mu.Lock()
	conn, dest, ssrc := s.conn, s.dest, s.cfg.LocalSSRC
	name, note := s.localName, noteValue(s.roomName, s.pushFlag)
	s.mu.Unlock()

	if conn == nil || dest == nil {
		return
	}
	sdes := &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: ssrc,
		Items: []rtcp.SourceDescriptionItem{
			{Type: rtcp.SDESCNAME, Text: name},
			{Type: rtcp.SDESNote, Text: note},
		},
	}}}
	buf, err := rtcp.Marshal([]rtcp.Packet{sdes})
	if err != nil {
		s.log.Warn("sdes marshal failed", "err", err)
		return
	}
	if _, err := conn.WriteToUDP(buf, dest); err != nil {
		s.log.Warn("sdes send failed", "err", err)
	}
}

// advertiseLoop re-sends SDES, a Sender Report, and a Receiver Report on a
// fixed interval while the session is open, mirroring the original's
// per-RTCP-interval NAME/NOTE refresh and jrtplib's automatic SR/RR cadence.
func (s *Session) advertiseLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(noteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendSDES()
			s.sendSR()
			s.sendRR()
		}
	}
}

const ntpEpochOffset = 2208988800 // seconds between the NTP and Unix epochs

func ntpTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(float64(t.Nanosecond()) * (1 << 32) / 1e9)
	return secs<<32 | frac
}

// sendSR emits an RTCP Sender Report and records its middle-32-bits NTP
// timestamp so a later Receiver Report's LastSenderReport/Delay fields can
// be turned into a round-trip time estimate (RFC 3550 §6.4.1).
func (s *Session) sendSR() {
	s.mu.Lock()
	conn, dest, ssrc, ts := s.conn, s.dest, s.cfg.LocalSSRC, s.timestamp
	s.mu.Unlock()
	if conn == nil || dest == nil {
		return
	}

	now := time.Now()
	ntp := ntpTimestamp(now)

	s.statsMu.Lock()
	s.srSentAt = now
	s.srMiddleNTP = uint32(ntp >> 16)
	s.haveSR = true
	s.statsMu.Unlock()

	sr := &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntp,
		RTPTime:     ts,
		PacketCount: uint32(s.packetsSent.Load()),
		OctetCount:  uint32(s.bytesSent.Load()),
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{sr})
	if err != nil {
		return
	}
	conn.WriteToUDP(buf, dest)
}

// sendRR emits an RTCP Receiver Report summarizing this session's receive
// path. The reception report's LastSenderReport and Delay fields are left
// at zero, since the remote's Sender Reports are not recorded; a peer
// running this code therefore never matches the report against its own
// SR, and its round-trip time stays 0.
func (s *Session) sendRR() {
	s.mu.Lock()
	conn, dest, ssrc := s.conn, s.dest, s.cfg.LocalSSRC
	s.mu.Unlock()
	if conn == nil || dest == nil {
		return
	}

	s.statsMu.Lock()
	received, lost, jitter, lastSeq := s.receivedCount, s.lostCount, s.jitter, s.lastSeq
	s.statsMu.Unlock()

	total := received + lost
	var fraction uint8
	if total > 0 {
		fraction = uint8((uint64(lost) * 256) / uint64(total))
	}

	rr := &rtcp.ReceiverReport{
		SSRC: ssrc,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          lost,
			LastSequenceNumber: uint32(lastSeq),
			Jitter:             uint32(jitter),
		}},
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{rr})
	if err != nil {
		return
	}
	conn.WriteToUDP(buf, dest)
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				continue
			}
		}
		s.bytesReceived.Add(uint64(n))
		s.dispatch(buf[:n], remote)
	}
}

func (s *Session) dispatch(data []byte, remote *net.UDPAddr) {
	if len(data) < 2 {
		return
	}
	if isRTCP(data) {
		pkts, err := rtcp.Unmarshal(data)
		if err != nil {
			return
		}
		s.observeRTCP(pkts)
		if s.cfg.OnRTCP != nil {
			s.cfg.OnRTCP(pkts, remote)
		}
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return
	}
	s.observeRTP(pkt, time.Now())

	extIndex, k, r, f, checksum := uint16(0), uint16(1), uint16(0), uint16(0), uint16(0)
	if pkt.Header.Extension {
		if payload := pkt.Header.GetExtension(fecExtensionID); payload != nil {
			if pi, pk, pr, pf, pc, ok := unpackFECExtension(payload); ok {
				extIndex, k, r, f, checksum = pi, pk, pr, pf, pc
			}
		}
	}
	if s.cfg.OnRTP != nil {
		s.cfg.OnRTP(pkt, extIndex, k, r, f, checksum)
	}
}

// observeRTP folds one received packet into the running jitter (RFC 3550
// §6.4.1) and cumulative-loss estimate (simplified: sequence gaps, not the
// full extended-sequence-number/base-seq bookkeeping RFC 3550 §6.4.1 uses)
// this session reports in its periodic Receiver Reports.
func (s *Session) observeRTP(pkt *rtp.Packet, arrival time.Time) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if s.haveLastSeq {
		delta := int32(pkt.SequenceNumber) - int32(s.lastSeq)
		if delta < -32768 {
			delta += 65536
		} else if delta > 32768 {
			delta -= 65536
		}
		if delta > 1 {
			s.lostCount += uint32(delta - 1)
		}
	}
	s.lastSeq = pkt.SequenceNumber
	s.haveLastSeq = true
	s.receivedCount++

	if s.cfg.ClockRate > 0 {
		clockRate := int64(s.cfg.ClockRate)
		arrivalUnits := arrival.Unix()*clockRate + arrival.UnixNano()%1e9*clockRate/1e9
		transit := arrivalUnits - int64(pkt.Timestamp)
		if s.haveTransit {
			d := transit - s.lastTransit
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d) - s.jitter) / 16
		}
		s.lastTransit = transit
		s.haveTransit = true
	}

	if s.cfg.OnQuality != nil {
		s.cfg.OnQuality(s.jitter, s.fractionLostLocked(), s.lastRTTLocked())
	}
}

func (s *Session) fractionLostLocked() float64 {
	total := s.receivedCount + s.lostCount
	if total == 0 {
		return 0
	}
	return float64(s.lostCount) / float64(total)
}

func (s *Session) lastRTTLocked() float64 {
	return s.rttMs
}

// observeRTCP looks for a Receiver Report echoing this session's last Sender
// Report and turns its LastSenderReport/Delay fields into a round-trip time
// estimate (RFC 3550 §6.4.1's "round-trip propagation delay").
func (s *Session) observeRTCP(pkts []rtcp.Packet) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if !s.haveSR {
		return
	}
	for _, p := range pkts {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, rep := range rr.Reports {
			if rep.LastSenderReport == 0 || rep.LastSenderReport != s.srMiddleNTP {
				continue
			}
			dlsr := float64(rep.Delay) / 65536.0
			rtt := time.Since(s.srSentAt).Seconds() - dlsr
			if rtt < 0 {
				rtt = 0
			}
			s.rttMs = rtt * 1000
			if s.cfg.OnQuality != nil {
				s.cfg.OnQuality(s.jitter, s.fractionLostLocked(), s.rttMs)
			}
		}
	}
}

// isRTCP distinguishes RTP from RTCP on a multiplexed port by the
// second-byte packet type, per RFC 5761: bytes 192-223 are taken as RTCP.
// The RTCP packet types used here (SR/RR/SDES/BYE/APP) occupy 200-204. An
// RTP packet's second byte is its marker bit plus its 7-bit payload type,
// so the payload types defined in pkg/frame (96-99) give 96-99 or, with
// the marker set, 224-227, both outside that range.
func isRTCP(data []byte) bool {
	pt := data[1]
	return pt >= 192 && pt <= 223
}
