// Package node runs the LAN messaging engine: the UDP receive loop,
// periodic presence announcements, frame routing, and the hand-off of
// side-effecting work to a bounded worker.
package node

import (
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lantalk/lantalk-node/pkg/presence"
	"github.com/lantalk/lantalk-node/pkg/protocol"
	"github.com/lantalk/lantalk-node/pkg/router"
	"github.com/lantalk/lantalk-node/pkg/storage"
	"github.com/lantalk/lantalk-node/pkg/transfer"
	"github.com/lantalk/lantalk-node/pkg/transport"
)

// Events is the push surface toward the collaborator layer (UI, API).
// Handlers run on the node's worker goroutine and must not block long.
type Events interface {
	PeerOnline(p presence.PeerRecord)
	MessageReceived(msg storage.StoredMessage)
	MessageAck(peerIP string, packetID uint64)
	FileOfferReceived(offer transfer.PendingOffer)
	TransferProgress(task transfer.Task)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) PeerOnline(presence.PeerRecord)          {}
func (NopEvents) MessageReceived(storage.StoredMessage)   {}
func (NopEvents) MessageAck(string, uint64)               {}
func (NopEvents) FileOfferReceived(transfer.PendingOffer) {}
func (NopEvents) TransferProgress(transfer.Task)          {}

// inbound is one received frame queued for the worker.
type inbound struct {
	frame      *protocol.Frame
	addr       *net.UDPAddr
	presence   bool
	peer       presence.PeerRecord
	cameOnline bool
}

// Node owns the engine lifecycle.
type Node struct {
	cfg       Config
	conn      *transport.UDPConn
	directory *presence.Directory
	transfers *transfer.Coordinator
	router    *router.Router
	store     *storage.Store // may be nil
	events    Events

	packetID atomic.Uint64
	running  atomic.Bool
	work     chan inbound
	done     chan struct{}
	wg       sync.WaitGroup
	localIPs map[string]bool
}

// New wires the engine. store may be nil (no persistence), events may be
// nil.
func New(cfg Config, store *storage.Store, events Events) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = NopEvents{}
	}

	n := &Node{
		cfg:       cfg,
		directory: presence.NewDirectory(cfg.PeerTimeout),
		store:     store,
		events:    events,
		work:      make(chan inbound, cfg.QueueSize),
		done:      make(chan struct{}),
		localIPs:  make(map[string]bool),
	}
	n.packetID.Store(uint64(time.Now().Unix()) % maxPacketID)

	n.transfers = transfer.NewCoordinator(n.sendFrame)
	n.transfers.SetProgressFunc(events.TransferProgress)
	n.directory.SetAnswerFunc(n.sendEntryAnswer)
	n.router = router.New(n.directory, n.transfers, n.sendFrame, routerEvents{n})

	return n, nil
}

// Start binds the socket, announces presence, and launches the receive
// loop and the worker.
func (n *Node) Start() error {
	conn, err := transport.BindWithRetry(n.cfg.Port, n.cfg.BindAttempts)
	if err != nil {
		return fmt.Errorf("startup bind: %w", err)
	}
	n.conn = conn
	n.collectLocalIPs()
	n.running.Store(true)

	log.Printf("node: listening on udp/%d as %s@%s", conn.Port(), n.cfg.Username, n.cfg.Hostname)
	n.announce()

	n.wg.Add(2)
	go n.receiveLoop()
	go n.workerLoop()
	return nil
}

// Stop announces exit and shuts the loops down.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}

	if data, err := n.encodeFrame(protocol.ModeBrExit, n.cfg.Nickname); err == nil {
		if err := n.conn.Broadcast(data); err != nil {
			log.Printf("node: exit broadcast failed: %v", err)
		}
	}

	n.conn.Close()
	close(n.done)
	n.wg.Wait()
	log.Println("node: stopped")
}

// Port returns the bound UDP port, 0 before Start.
func (n *Node) Port() int {
	if n.conn == nil {
		return 0
	}
	return n.conn.Port()
}

// receiveLoop owns the socket: it decodes, handles presence inline (the
// answer reply must not wait on storage latency), and hands everything
// else to the worker over the bounded queue.
func (n *Node) receiveLoop() {
	defer n.wg.Done()

	lastAnnounce := time.Now()
	for n.running.Load() {
		data, addr, err := n.conn.Receive(n.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			n.handleDatagram(data, addr)
		case errors.Is(err, transport.ErrTimeout):
			// idle tick
		case errors.Is(err, transport.ErrIPv6Sender):
			log.Println("node: dropped datagram from IPv6 sender")
		case errors.Is(err, transport.ErrConnClosed):
			return
		default:
			log.Printf("node: receive error: %v", err)
		}

		if time.Since(lastAnnounce) >= n.cfg.AnnounceInterval {
			n.announce()
			lastAnnounce = time.Now()
		}
	}
}

func (n *Node) handleDatagram(data []byte, addr *net.UDPAddr) {
	frame, err := protocol.Decode(data)
	if err != nil {
		// One bad datagram never stops the loop.
		log.Printf("node: dropped malformed datagram from %s: %v", addr, err)
		return
	}
	n.HandleIncomingFrame(frame, addr)
}

// HandleIncomingFrame processes one decoded frame from addr. Presence is
// applied inline; everything else goes through the worker queue.
func (n *Node) HandleIncomingFrame(frame *protocol.Frame, addr *net.UDPAddr) {
	if !n.running.Load() {
		return
	}

	// Our own broadcasts loop back; drop them by identity, not by IP
	// alone, so several nodes on one host can still talk.
	if n.localIPs[addr.IP.String()] &&
		frame.SenderName == n.cfg.Username && frame.SenderHost == n.cfg.Hostname {
		return
	}

	item := inbound{frame: frame, addr: addr}
	if protocol.IsPresenceMode(protocol.Mode(frame.Kind)) {
		item.presence = true
		item.peer, item.cameOnline = n.directory.OnPresenceFrame(frame, addr)
	}

	select {
	case n.work <- item:
	default:
		log.Printf("node: worker queue full, dropped frame %d from %s", frame.PacketID, addr.IP)
	}
}

// workerLoop performs the side-effecting part of frame handling so the
// receive loop stays responsive.
func (n *Node) workerLoop() {
	defer n.wg.Done()

	for {
		select {
		case item := <-n.work:
			if item.presence {
				n.afterPresence(item)
				continue
			}
			n.router.Dispatch(item.frame, item.addr)
		case <-n.done:
			return
		}
	}
}

// afterPresence persists the refreshed record and, on an offline-to-online
// transition, raises the event and drains the peer's offline outbox.
func (n *Node) afterPresence(item inbound) {
	if protocol.Mode(item.frame.Kind) == protocol.ModeBrExit {
		return
	}

	if n.store != nil {
		if err := n.store.UpsertPeer(item.peer); err != nil {
			log.Printf("node: peer persist failed: %v", err)
		}
	}
	if !item.cameOnline {
		return
	}

	n.events.PeerOnline(item.peer)
	n.drainOutbox(item.peer)
}

func (n *Node) drainOutbox(peer presence.PeerRecord) {
	if n.store == nil {
		return
	}
	queued, err := n.store.TakeOffline(peer.IP)
	if err != nil {
		log.Printf("node: outbox drain for %s failed: %v", peer.IP, err)
		return
	}
	for _, m := range queued {
		kind := protocol.Pack(protocol.ModeSendMsg, messageOptions(m.WantAck))
		id, err := n.emit(kind, m.Content, peer.IP, peer.Port)
		if err != nil {
			log.Printf("node: queued message to %s failed: %v", peer.IP, err)
			continue
		}
		n.recordOutgoing(peer.IP, id, m.Content)
	}
	if len(queued) > 0 {
		log.Printf("node: delivered %d queued message(s) to %s", len(queued), peer.IP)
	}
}

// SendMessage sends a text message, or queues it when the peer is
// offline and persistence is available. wantAck requests an advisory
// acknowledgment.
func (n *Node) SendMessage(ip, text string, wantAck bool) error {
	peer, ok := n.directory.FindByIP(ip)
	if !ok {
		return fmt.Errorf("unknown peer %s", ip)
	}

	if !n.directory.IsOnline(ip) {
		if n.store == nil {
			return fmt.Errorf("peer %s is offline", ip)
		}
		if err := n.store.QueueOffline(ip, text, wantAck); err != nil {
			return err
		}
		log.Printf("node: peer %s offline, message queued", ip)
		return nil
	}

	kind := protocol.Pack(protocol.ModeSendMsg, messageOptions(wantAck))
	id, err := n.emit(kind, text, ip, peer.Port)
	if err != nil {
		return err
	}
	n.recordOutgoing(ip, id, text)
	return nil
}

// OfferFile sends a file-transfer offer to a peer.
func (n *Node) OfferFile(ip, path string) (string, error) {
	peer, ok := n.directory.FindByIP(ip)
	if !ok {
		return "", fmt.Errorf("unknown peer %s", ip)
	}
	return n.transfers.Offer(path, ip, peer.Port)
}

// AcceptOffer accepts a pending offer, listening for the data channel on
// dataPort (0 lets the OS pick), and starts the download.
func (n *Node) AcceptOffer(offerID string, dataPort int) (string, error) {
	offer, ok := n.findOffer(offerID)
	if !ok {
		return "", transfer.ErrOfferNotFound
	}
	if dataPort < 0 {
		dataPort = 0
	}

	// Bind before answering so the advertised port is really ours.
	ln, boundPort, err := transfer.ListenData(dataPort)
	if err != nil {
		return "", err
	}

	savePath := filepath.Join(n.cfg.DownloadDir, filepath.Base(offer.FileName))
	taskID, err := n.transfers.Decide(offerID, true, boundPort, savePath)
	if err != nil {
		ln.Close()
		return "", err
	}
	if err := n.transfers.Activate(taskID, boundPort); err != nil {
		ln.Close()
		return "", err
	}
	go n.transfers.RunDownloadOn(taskID, ln)
	return taskID, nil
}

// RejectOffer declines a pending offer.
func (n *Node) RejectOffer(offerID string) error {
	_, err := n.transfers.Decide(offerID, false, 0, "")
	return err
}

// CancelTransfer cancels a task and notifies the peer.
func (n *Node) CancelTransfer(taskID string) error {
	task, ok := n.transfers.Get(taskID)
	if !ok {
		return transfer.ErrTaskNotFound
	}
	if err := n.transfers.Cancel(taskID); err != nil {
		return err
	}
	if peer, ok := n.directory.FindByIP(task.PeerIP); ok {
		if _, err := n.emit(protocol.ModeReleaseFiles, "", task.PeerIP, peer.Port); err != nil {
			log.Printf("node: release notice to %s failed: %v", task.PeerIP, err)
		}
	}
	return nil
}

// CleanupTransfers purges terminal transfer tasks.
func (n *Node) CleanupTransfers() int {
	return n.transfers.Cleanup()
}

// PeersSnapshot returns the current peer table.
func (n *Node) PeersSnapshot() []presence.PeerRecord {
	return n.directory.All()
}

// OnlinePeers returns the peers currently considered online.
func (n *Node) OnlinePeers() []presence.PeerRecord {
	return n.directory.Online()
}

// TransferTasksSnapshot returns the current transfer-task table.
func (n *Node) TransferTasksSnapshot() []transfer.Task {
	return n.transfers.Tasks()
}

// OffersSnapshot returns the unanswered incoming offers.
func (n *Node) OffersSnapshot() []transfer.PendingOffer {
	return n.transfers.Offers()
}

// Directory exposes the peer table for administrative operations.
func (n *Node) Directory() *presence.Directory {
	return n.directory
}

// Store exposes the persistence layer, nil when running without one.
func (n *Node) Store() *storage.Store {
	return n.store
}

// announce broadcasts an entry frame. Broadcast failures (common with
// VPN/container adapters) are tolerated: unicast replies still converge.
func (n *Node) announce() {
	data, err := n.encodeFrame(protocol.ModeBrEntry, n.cfg.Nickname)
	if err != nil {
		log.Printf("node: announce encode failed: %v", err)
		return
	}
	if err := n.conn.Broadcast(data); err != nil {
		log.Printf("node: announce broadcast failed (tolerated): %v", err)
	}
}

// sendEntryAnswer completes the discovery handshake for a broadcast
// entry.
func (n *Node) sendEntryAnswer(addr *net.UDPAddr) {
	if _, err := n.emit(protocol.ModeAnsEntry, n.cfg.Nickname, addr.IP.String(), addr.Port); err != nil {
		log.Printf("node: entry answer to %s failed: %v", addr.IP, err)
	}
}

// sendFrame is the SendFunc handed to the router and the coordinator.
func (n *Node) sendFrame(kind uint32, content, ip string, port int) error {
	_, err := n.emit(kind, content, ip, port)
	return err
}

// emit encodes and sends one frame, returning the packet id used.
func (n *Node) emit(kind uint32, content, ip string, port int) (uint64, error) {
	id := n.nextPacketID()
	frame := &protocol.Frame{
		Version:    protocol.ProtocolVersion,
		PacketID:   id,
		SenderName: n.cfg.Username,
		SenderHost: n.cfg.Hostname,
		Kind:       kind,
		Content:    content,
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return 0, err
	}
	if port <= 0 {
		port = protocol.DefaultPort
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		return 0, fmt.Errorf("bad peer address %q", ip)
	}
	return id, n.conn.SendTo(data, addr)
}

func (n *Node) encodeFrame(kind uint32, content string) ([]byte, error) {
	return protocol.Encode(&protocol.Frame{
		Version:    protocol.ProtocolVersion,
		PacketID:   n.nextPacketID(),
		SenderName: n.cfg.Username,
		SenderHost: n.cfg.Hostname,
		Kind:       kind,
		Content:    content,
	})
}

// maxPacketID keeps emitted packet ids at nine digits or fewer. A
// ten-digit second field is what marks the vendor layout on decode, so
// a longer id would make receivers misread our canonical frames.
const maxPacketID = 999_999_999

// nextPacketID is sender-local and monotonic, wrapped below the
// vendor-layout detection threshold.
func (n *Node) nextPacketID() uint64 {
	return n.packetID.Add(1) % (maxPacketID + 1)
}

func (n *Node) recordOutgoing(ip string, packetID uint64, text string) {
	if n.store == nil {
		return
	}
	msg := &storage.StoredMessage{
		PeerIP:     ip,
		PacketID:   packetID,
		Content:    text,
		IsOutgoing: true,
	}
	if err := n.store.SaveMessage(msg); err != nil {
		log.Printf("node: history write failed: %v", err)
	}
}

func (n *Node) findOffer(id string) (transfer.PendingOffer, bool) {
	for _, o := range n.transfers.Offers() {
		if o.ID == id {
			return o, true
		}
	}
	return transfer.PendingOffer{}, false
}

func (n *Node) collectLocalIPs() {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			n.localIPs[ipNet.IP.String()] = true
		}
	}
}

func messageOptions(wantAck bool) uint32 {
	opts := protocol.OptUTF8
	if wantAck {
		opts |= protocol.OptSendCheck
	}
	return opts
}

// routerEvents adapts router notifications onto the node: persistence
// first, then the outward event.
type routerEvents struct {
	n *Node
}

func (e routerEvents) MessageReceived(senderIP string, f *protocol.Frame) {
	msg := storage.StoredMessage{
		PeerIP:   senderIP,
		PacketID: f.PacketID,
		Content:  f.Content,
	}
	if e.n.store != nil {
		if err := e.n.store.SaveMessage(&msg); err != nil {
			log.Printf("node: inbound history write failed: %v", err)
		}
	}
	e.n.events.MessageReceived(msg)
}

func (e routerEvents) MessageAck(senderIP string, packetID uint64) {
	// Advisory receipt; durable state is the store's concern.
	if e.n.store != nil {
		if err := e.n.store.MarkAcked(senderIP, packetID); err != nil {
			log.Printf("node: ack persist failed: %v", err)
		}
	}
	e.n.events.MessageAck(senderIP, packetID)
}

func (e routerEvents) FileOfferReceived(offer transfer.PendingOffer) {
	e.n.events.FileOfferReceived(offer)
}

func (e routerEvents) UploadAccepted(task transfer.Task) {
	go e.n.transfers.RunUpload(task.ID)
}
