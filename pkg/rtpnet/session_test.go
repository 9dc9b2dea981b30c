package rtpnet

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

func TestSessionSendReceiveLoopback(t *testing.T) {
	var mu sync.Mutex
	var received []*rtp.Packet

	recv := New(Config{
		LocalSSRC:   2,
		PayloadType: 99,
		OnRTP: func(pkt *rtp.Packet, extIndex uint16, k, r, f, checksum uint16) {
			mu.Lock()
			received = append(received, pkt)
			mu.Unlock()
		},
	})
	if err := recv.Create(0); err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	defer recv.Bye("")

	send := New(Config{LocalSSRC: 1, PayloadType: 99})
	if err := send.Create(0); err != nil {
		t.Fatalf("create sender: %v", err)
	}
	defer send.Bye("")

	recvAddr := recv.conn.LocalAddr().(*net.UDPAddr)
	if err := send.SetDestination("127.0.0.1", recvAddr.Port); err != nil {
		t.Fatalf("set destination: %v", err)
	}

	if err := send.Send([]byte("hello"), true, 960); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 packet received, got %d", len(received))
	}
	if string(received[0].Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", received[0].Payload)
	}
	if received[0].SSRC != 1 {
		t.Fatalf("expected SSRC 1, got %d", received[0].SSRC)
	}
}

func TestSessionSendExCarriesFECExtension(t *testing.T) {
	var mu sync.Mutex
	var gotIndex, gotK, gotR, gotF, gotChecksum uint16
	var gotOK bool

	recv := New(Config{
		LocalSSRC:   2,
		PayloadType: 97,
		OnRTP: func(pkt *rtp.Packet, extIndex uint16, k, r, f, checksum uint16) {
			mu.Lock()
			gotIndex, gotK, gotR, gotF, gotChecksum = extIndex, k, r, f, checksum
			gotOK = true
			mu.Unlock()
		},
	})
	if err := recv.Create(0); err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	defer recv.Bye("")

	send := New(Config{LocalSSRC: 1, PayloadType: 97})
	if err := send.Create(0); err != nil {
		t.Fatalf("create sender: %v", err)
	}
	defer send.Bye("")

	recvAddr := recv.conn.LocalAddr().(*net.UDPAddr)
	send.SetDestination("127.0.0.1", recvAddr.Port)

	if err := send.SendEx([]byte("block-data"), false, 1, 3, 4, 2, 17, 55); err != nil {
		t.Fatalf("send ex: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := gotOK
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotOK {
		t.Fatalf("never received extended packet")
	}
	if gotIndex != 3 || gotK != 4 || gotR != 2 || gotF != 17 || gotChecksum != 55 {
		t.Fatalf("got index=%d k=%d r=%d f=%d checksum=%d, want 3/4/2/17/55", gotIndex, gotK, gotR, gotF, gotChecksum)
	}
}

// TestSessionSendExSymbolIndexZero covers the common case a single-symbol
// (K=1) block produces: its only symbol has index 0, which RFC 5285
// reserves as an extension id and pion/rtp's SetExtension rejects. The
// index must still arrive correctly since it now travels in the
// extension payload rather than as the wire id.
func TestSessionSendExSymbolIndexZero(t *testing.T) {
	var mu sync.Mutex
	var gotIndex, gotK, gotChecksum uint16
	var gotOK bool

	recv := New(Config{
		LocalSSRC:   2,
		PayloadType: 97,
		OnRTP: func(pkt *rtp.Packet, extIndex uint16, k, r, f, checksum uint16) {
			mu.Lock()
			gotIndex, gotK, gotChecksum = extIndex, k, checksum
			gotOK = true
			mu.Unlock()
		},
	})
	if err := recv.Create(0); err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	defer recv.Bye("")

	send := New(Config{LocalSSRC: 1, PayloadType: 97})
	if err := send.Create(0); err != nil {
		t.Fatalf("create sender: %v", err)
	}
	defer send.Bye("")

	recvAddr := recv.conn.LocalAddr().(*net.UDPAddr)
	send.SetDestination("127.0.0.1", recvAddr.Port)

	const wantChecksum = 42
	if err := send.SendEx([]byte("single-symbol-block"), true, 1, 0, 1, 0, 0, wantChecksum); err != nil {
		t.Fatalf("send ex: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := gotOK
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotOK {
		t.Fatalf("never received a K=1 block's sole symbol")
	}
	if gotIndex != 0 || gotK != 1 || gotChecksum != wantChecksum {
		t.Fatalf("got index=%d k=%d checksum=%d, want 0/1/%d", gotIndex, gotK, gotChecksum, wantChecksum)
	}
}

func TestSessionSDESAdvertisesRoomAndPushFlag(t *testing.T) {
	var mu sync.Mutex
	var gotNote string
	var gotOK bool

	recv := New(Config{
		LocalSSRC:   2,
		PayloadType: 99,
		OnRTCP: func(pkts []rtcp.Packet, _ *net.UDPAddr) {
			for _, p := range pkts {
				if sdes, ok := p.(*rtcp.SourceDescription); ok {
					for _, chunk := range sdes.Chunks {
						for _, item := range chunk.Items {
							if item.Type == rtcp.SDESNote {
								mu.Lock()
								gotNote = item.Text
								gotOK = true
								mu.Unlock()
							}
						}
					}
				}
			}
		},
	})
	if err := recv.Create(0); err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	defer recv.Bye("")

	send := New(Config{LocalSSRC: 1, PayloadType: 99})
	if err := send.Create(0); err != nil {
		t.Fatalf("create sender: %v", err)
	}
	defer send.Bye("")

	recvAddr := recv.conn.LocalAddr().(*net.UDPAddr)
	send.SetDestination("127.0.0.1", recvAddr.Port)
	send.SetLocalName("alice")
	send.SetRoom("lobby")
	send.SetPushFlag(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := gotOK
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotOK {
		t.Fatalf("never received SDES")
	}
	room, pushing, ok := parseNote(gotNote)
	if !ok || room != "lobby" || !pushing {
		t.Fatalf("got room=%q pushing=%v ok=%v", room, pushing, ok)
	}
}
