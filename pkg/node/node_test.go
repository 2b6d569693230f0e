package node

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lantalk/lantalk-node/pkg/presence"
	"github.com/lantalk/lantalk-node/pkg/protocol"
	"github.com/lantalk/lantalk-node/pkg/storage"
	"github.com/lantalk/lantalk-node/pkg/transfer"
)

// chanEvents funnels node events into channels for the test to await.
type chanEvents struct {
	online   chan presence.PeerRecord
	messages chan storage.StoredMessage
	acks     chan uint64
	offers   chan transfer.PendingOffer
}

func newChanEvents() *chanEvents {
	return &chanEvents{
		online:   make(chan presence.PeerRecord, 16),
		messages: make(chan storage.StoredMessage, 16),
		acks:     make(chan uint64, 16),
		offers:   make(chan transfer.PendingOffer, 16),
	}
}

func (e *chanEvents) PeerOnline(p presence.PeerRecord)          { e.online <- p }
func (e *chanEvents) MessageReceived(m storage.StoredMessage)   { e.messages <- m }
func (e *chanEvents) MessageAck(ip string, id uint64)           { e.acks <- id }
func (e *chanEvents) FileOfferReceived(o transfer.PendingOffer) { e.offers <- o }
func (e *chanEvents) TransferProgress(transfer.Task)            {}

// fakePeer is a bare UDP socket posing as a remote client.
type fakePeer struct {
	t    *testing.T
	conn *net.UDPConn
	name string
}

func newFakePeer(t *testing.T, name string) *fakePeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakePeer{t: t, conn: conn, name: name}
}

func (p *fakePeer) send(nodePort int, packetID uint64, kind uint32, content string) {
	p.t.Helper()
	frame := fmt.Sprintf("1:%d:%s:%s-host:%d:%s", packetID, p.name, p.name, kind, content)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: nodePort}
	if _, err := p.conn.WriteToUDP([]byte(frame), dst); err != nil {
		p.t.Fatal(err)
	}
}

func (p *fakePeer) receive() *protocol.Frame {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 65536)
	n, _, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		p.t.Fatalf("fake peer receive: %v", err)
	}
	frame, err := protocol.Decode(buf[:n])
	if err != nil {
		p.t.Fatalf("fake peer decode: %v", err)
	}
	return frame
}

func startTestNode(t *testing.T, events Events) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Username = "testnode"
	cfg.Hostname = "testnode-host"
	cfg.Nickname = "Test Node"
	cfg.Port = 36425
	cfg.BindAttempts = 50
	cfg.AnnounceInterval = time.Hour // keep the loop quiet during tests
	cfg.PeerTimeout = 2 * time.Hour  // must stay above the announce interval
	cfg.DownloadDir = t.TempDir()

	n, err := New(cfg, nil, events)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestEntryHandshake(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	peer.send(n.Port(), 1, protocol.ModeBrEntry, "Remote User")

	// The node must answer the entry synchronously.
	answer := peer.receive()
	if protocol.Mode(answer.Kind) != protocol.ModeAnsEntry {
		t.Fatalf("answer mode = %#x, want AnsEntry", protocol.Mode(answer.Kind))
	}
	if answer.SenderName != "testnode" {
		t.Errorf("answer sender = %q, want testnode", answer.SenderName)
	}

	// And raise the peer-online event with the upserted record.
	select {
	case p := <-events.online:
		if p.Username != "remote" {
			t.Errorf("online peer username = %q, want sender name", p.Username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no peer-online event")
	}

	if len(n.PeersSnapshot()) != 1 {
		t.Errorf("peers = %d, want 1", len(n.PeersSnapshot()))
	}
	if len(n.OnlinePeers()) != 1 {
		t.Errorf("online peers = %d, want 1", len(n.OnlinePeers()))
	}
}

func TestMessageAckRoundTrip(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	// With send-check the node must ack with the original packet id.
	kind := protocol.Pack(protocol.ModeSendMsg, protocol.OptSendCheck)
	peer.send(n.Port(), 555, kind, "hello node")

	ack := peer.receive()
	if protocol.Mode(ack.Kind) != protocol.ModeRecvMsg {
		t.Fatalf("reply mode = %#x, want RecvMsg", protocol.Mode(ack.Kind))
	}
	if ack.Content != strconv.FormatUint(555, 10) {
		t.Errorf("ack content = %q, want 555", ack.Content)
	}

	select {
	case m := <-events.messages:
		if m.Content != "hello node" {
			t.Errorf("message content = %q", m.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message event")
	}

	// Without send-check: message event but no ack frame.
	peer.send(n.Port(), 556, protocol.ModeSendMsg, "no ack")
	select {
	case <-events.messages:
	case <-time.After(3 * time.Second):
		t.Fatal("no message event for plain message")
	}

	peer.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	if _, _, err := peer.conn.ReadFromUDP(buf); err == nil {
		t.Error("node sent a frame for a message without send-check")
	}
}

func TestInboundAckRaisesEvent(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	peer.send(n.Port(), 1, protocol.ModeRecvMsg, "7788")

	select {
	case id := <-events.acks:
		if id != 7788 {
			t.Errorf("ack packet id = %d, want 7788", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ack event")
	}
}

func TestFileOfferSurfaces(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	kind := protocol.Pack(protocol.ModeSendMsg, protocol.OptFileAttach)
	peer.send(n.Port(), 9, kind, `{"name":"photo.jpg","size":4096,"hash":"aa"}`)

	select {
	case offer := <-events.offers:
		if offer.FileName != "photo.jpg" || offer.FileSize != 4096 {
			t.Errorf("offer = %+v", offer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no file-offer event")
	}

	if len(n.OffersSnapshot()) != 1 {
		t.Errorf("offers snapshot = %d, want 1", len(n.OffersSnapshot()))
	}
}

func TestMalformedDatagramIgnored(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.Port()}
	if _, err := peer.conn.WriteToUDP([]byte("\x00garbage\xff"), dst); err != nil {
		t.Fatal(err)
	}

	// The loop must survive and keep processing good frames.
	peer.send(n.Port(), 2, protocol.ModeBrEntry, "Still Alive")
	answer := peer.receive()
	if protocol.Mode(answer.Kind) != protocol.ModeAnsEntry {
		t.Fatalf("answer mode = %#x after malformed datagram", protocol.Mode(answer.Kind))
	}
}

func TestEmittedFramesStayCanonical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "testnode"
	cfg.Hostname = "testnode-host"
	cfg.Nickname = "Test Node"

	n, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The worst case is an id right at the wrap boundary: one more
	// digit and receivers would read the frame as the vendor layout.
	n.packetID.Store(maxPacketID - 1)

	for i := 0; i < 3; i++ {
		data, err := n.encodeFrame(protocol.ModeAnsEntry, cfg.Nickname)
		if err != nil {
			t.Fatalf("encodeFrame() error: %v", err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		if f.Vendor {
			t.Fatalf("frame with packet id %d decoded as vendor layout", f.PacketID)
		}
		if f.PacketID > maxPacketID {
			t.Errorf("packet id %d exceeds %d", f.PacketID, uint64(maxPacketID))
		}
		if f.SenderName != "testnode" || f.SenderHost != "testnode-host" {
			t.Errorf("sender = %q@%q, want testnode@testnode-host", f.SenderName, f.SenderHost)
		}
		if f.Content != "Test Node" {
			t.Errorf("content = %q, want the nickname", f.Content)
		}
	}
}

func TestNodeDoesNotRegisterItself(t *testing.T) {
	events := newChanEvents()
	n := startTestNode(t, events)
	peer := newFakePeer(t, "remote")

	// Simulate our own announce looping back off the broadcast
	// address. The identity filter only works if the frame decodes
	// with our sender fields intact.
	data, err := n.encodeFrame(protocol.ModeBrEntry, n.cfg.Nickname)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Vendor {
		t.Fatal("own announce decoded as vendor layout")
	}
	n.HandleIncomingFrame(frame, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.Port()})

	// A real remote still comes through.
	peer.send(n.Port(), 1, protocol.ModeBrEntry, "Remote User")
	peer.receive()

	select {
	case p := <-events.online:
		if p.Username != "remote" {
			t.Fatalf("peer-online for %q, node registered itself", p.Username)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no peer-online event")
	}

	if got := len(n.PeersSnapshot()); got != 1 {
		t.Errorf("peers = %d, want 1 (the remote only)", got)
	}
}

func TestHandleIncomingFrameAfterStop(t *testing.T) {
	n := startTestNode(t, nil)
	n.Stop()

	frame := &protocol.Frame{
		Version:    protocol.ProtocolVersion,
		PacketID:   1,
		SenderName: "late",
		SenderHost: "late-host",
		Kind:       protocol.ModeSendMsg,
		Content:    "after shutdown",
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	// Must be a no-op, not a panic, once the loops are gone.
	n.HandleIncomingFrame(frame, addr)
}

func TestAcceptedDownloadsGetDistinctPorts(t *testing.T) {
	n := startTestNode(t, nil)

	offerFrame := func(id uint64, name string) *protocol.Frame {
		return &protocol.Frame{
			Version:    protocol.ProtocolVersion,
			PacketID:   id,
			SenderName: "remote",
			SenderHost: "remote-host",
			Kind:       protocol.Pack(protocol.ModeSendMsg, protocol.OptFileAttach),
			Content:    fmt.Sprintf(`{"name":%q,"size":10,"hash":"aa"}`, name),
		}
	}

	o1, err := n.transfers.OnIncomingOffer(offerFrame(1, "a.bin"), "127.0.0.1", 45999)
	if err != nil {
		t.Fatal(err)
	}
	o2, err := n.transfers.OnIncomingOffer(offerFrame(2, "b.bin"), "127.0.0.1", 45999)
	if err != nil {
		t.Fatal(err)
	}

	id1, err := n.AcceptOffer(o1.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := n.AcceptOffer(o2.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	t1, _ := n.transfers.Get(id1)
	t2, _ := n.transfers.Get(id2)
	if t1.Port == 0 || t2.Port == 0 {
		t.Fatalf("ports = %d, %d; want OS-assigned nonzero ports", t1.Port, t2.Port)
	}
	if t1.Port == t2.Port {
		t.Errorf("both downloads listen on port %d", t1.Port)
	}

	// Close the data channels so the accept goroutines finish.
	for _, port := range []int{t1.Port, t2.Port} {
		if conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
			conn.Close()
		}
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerTimeout = 10 * time.Second
	cfg.AnnounceInterval = 30 * time.Second

	if _, err := New(cfg, nil, nil); err == nil {
		t.Error("New() accepted a peer timeout below the announce interval")
	}
}
