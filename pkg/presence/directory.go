// Package presence maintains the authoritative peer table and derives
// online status from frame arrival times.
package presence

import (
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lantalk/lantalk-node/pkg/protocol"
)

// DefaultPeerTimeout is how long a peer stays online after its last frame.
// It must always exceed the announce interval.
const DefaultPeerTimeout = 3 * time.Minute

// PeerRecord describes one known peer, keyed by IP address.
type PeerRecord struct {
	IP       string
	Port     int
	Username string
	Hostname string
	Nickname string // display override, never set from the wire
	LastSeen time.Time
}

// AnswerFunc sends the entry-answer reply that completes the discovery
// handshake. Wired in by the owning node.
type AnswerFunc func(addr *net.UDPAddr)

// Directory is the peer table. Records are created and refreshed by
// inbound presence frames and only ever removed administratively; going
// offline is derived from LastSeen age, not stored.
type Directory struct {
	mu      sync.Mutex
	peers   map[string]*PeerRecord
	timeout time.Duration
	answer  AnswerFunc
	now     func() time.Time
}

// NewDirectory creates a peer table with the given online timeout.
func NewDirectory(timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	return &Directory{
		peers:   make(map[string]*PeerRecord),
		timeout: timeout,
		now:     time.Now,
	}
}

// SetAnswerFunc wires the entry-answer sender.
func (d *Directory) SetAnswerFunc(fn AnswerFunc) {
	d.answer = fn
}

// Timeout returns the configured online timeout.
func (d *Directory) Timeout() time.Duration {
	return d.timeout
}

// OnPresenceFrame applies one inbound presence-class frame and reports
// the resulting record plus whether the peer transitioned to online.
//
// Entry and entry-answer frames upsert the sender; only the broadcast
// entry gets a synchronous answer, which is what turns discovery into a
// converging handshake instead of a one-shot broadcast. An explicit exit
// is logged but the record is kept: online status is purely age-derived
// and the record will go stale on its own.
func (d *Directory) OnPresenceFrame(f *protocol.Frame, addr *net.UDPAddr) (PeerRecord, bool) {
	switch protocol.Mode(f.Kind) {
	case protocol.ModeBrEntry:
		rec, cameOnline := d.Upsert(addr.IP.String(), addr.Port, f.SenderName, f.SenderHost)
		if d.answer != nil {
			d.answer(addr)
		}
		return rec, cameOnline
	case protocol.ModeAnsEntry, protocol.ModeBrAbsence:
		return d.Upsert(addr.IP.String(), addr.Port, f.SenderName, f.SenderHost)
	case protocol.ModeBrExit:
		log.Printf("presence: %s@%s (%s) announced exit", f.SenderName, f.SenderHost, addr.IP)
	}
	rec, _ := d.FindByIP(addr.IP.String())
	return rec, false
}

// Upsert refreshes a peer record, creating it if unknown, and returns a
// copy of the stored record. It reports whether the peer transitioned to
// online (new, or previously aged out).
func (d *Directory) Upsert(ip string, port int, username, hostname string) (PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	p, ok := d.peers[ip]
	if !ok {
		p = &PeerRecord{IP: ip}
		d.peers[ip] = p
	}

	cameOnline := !ok || now.Sub(p.LastSeen) >= d.timeout
	p.Port = port
	p.Username = username
	p.Hostname = hostname
	p.LastSeen = now

	return *p, cameOnline
}

// SetNickname sets the local display override for a peer.
func (d *Directory) SetNickname(ip, nickname string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[ip]
	if ok {
		p.Nickname = nickname
	}
	return ok
}

// Remove deletes a peer record. This is an administrative operation;
// timeouts never remove records.
func (d *Directory) Remove(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.peers[ip]
	delete(d.peers, ip)
	return ok
}

// FindByIP returns a copy of the record for ip.
func (d *Directory) FindByIP(ip string) (PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[ip]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// IsOnline reports whether the peer's last frame is within the timeout,
// evaluated against the clock at call time.
func (d *Directory) IsOnline(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[ip]
	return ok && d.now().Sub(p.LastSeen) < d.timeout
}

// All returns copies of every known record, sorted by IP.
func (d *Directory) All() []PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Online returns copies of the records currently considered online.
func (d *Directory) Online() []PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		if now.Sub(p.LastSeen) < d.timeout {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Count returns the number of known peers.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// OnlineCount returns the number of peers currently online.
func (d *Directory) OnlineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for _, p := range d.peers {
		if now.Sub(p.LastSeen) < d.timeout {
			n++
		}
	}
	return n
}
