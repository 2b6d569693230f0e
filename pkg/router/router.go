// Package router demultiplexes inbound frames by mode and drives the
// acknowledgment policy for text messages.
package router

import (
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/lantalk/lantalk-node/pkg/presence"
	"github.com/lantalk/lantalk-node/pkg/protocol"
	"github.com/lantalk/lantalk-node/pkg/transfer"
)

// ClientInfo is the version string returned to get-info requests.
const ClientInfo = "lantalk-node 1.0"

// SendFunc emits one protocol frame to a peer.
type SendFunc func(kind uint32, content, ip string, port int) error

// Events receives the push-style notifications produced by routing.
// Implementations must not block; they run on the router's worker.
type Events interface {
	MessageReceived(senderIP string, f *protocol.Frame)
	MessageAck(senderIP string, packetID uint64)
	FileOfferReceived(offer transfer.PendingOffer)
	UploadAccepted(task transfer.Task)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) MessageReceived(string, *protocol.Frame) {}
func (NopEvents) MessageAck(string, uint64)               {}
func (NopEvents) FileOfferReceived(transfer.PendingOffer) {}
func (NopEvents) UploadAccepted(transfer.Task)            {}

// Router dispatches decoded frames to their owning components. It holds
// no state of its own beyond wiring; all mutation happens inside the
// directory and the coordinator.
type Router struct {
	directory *presence.Directory
	transfers *transfer.Coordinator
	send      SendFunc
	events    Events
}

// New wires a router. events may be nil.
func New(directory *presence.Directory, transfers *transfer.Coordinator, send SendFunc, events Events) *Router {
	if events == nil {
		events = NopEvents{}
	}
	return &Router{
		directory: directory,
		transfers: transfers,
		send:      send,
		events:    events,
	}
}

// Dispatch routes one inbound frame. Errors local to a single frame are
// logged and swallowed; the receive loop never stops for them.
func (r *Router) Dispatch(f *protocol.Frame, addr *net.UDPAddr) {
	ip := addr.IP.String()

	switch mode := protocol.Mode(f.Kind); mode {
	case protocol.ModeBrEntry, protocol.ModeBrExit, protocol.ModeAnsEntry, protocol.ModeBrAbsence:
		r.directory.OnPresenceFrame(f, addr)

	case protocol.ModeSendMsg:
		r.handleSendMsg(f, ip, addr.Port)

	case protocol.ModeRecvMsg:
		r.handleAck(f, ip)

	case protocol.ModeGetFileData:
		task, accepted, err := r.transfers.OnDecision(f, ip)
		if err != nil {
			log.Printf("router: transfer decision from %s dropped: %v", ip, err)
			return
		}
		if accepted {
			r.events.UploadAccepted(task)
		}

	case protocol.ModeReleaseFiles:
		if n := r.transfers.OnRelease(ip); n > 0 {
			log.Printf("router: %s released %d transfer(s)", ip, n)
		}

	case protocol.ModeGetInfo:
		// Real peers poke this during discovery; answering is cheap.
		if err := r.send(protocol.ModeSendInfo, ClientInfo, ip, addr.Port); err != nil {
			log.Printf("router: send-info reply to %s failed: %v", ip, err)
		}

	case protocol.ModeReadMsg, protocol.ModeDelMsg, protocol.ModeAnsReadMsg:
		// Pass-through: surfaced in the log, no state change.
		log.Printf("router: read/delete frame %#x from %s (packet %d), ignored", mode, ip, f.PacketID)

	case protocol.ModeBrIsGetList, protocol.ModeOkGetList, protocol.ModeGetList,
		protocol.ModeAnsList, protocol.ModeBrIsGetList2, protocol.ModeGetDirFiles:
		log.Printf("router: directory-listing frame %#x from %s, not implemented", mode, ip)

	case protocol.ModeGetPubKey, protocol.ModeAnsPubKey:
		log.Printf("router: key-exchange frame %#x from %s, not implemented", mode, ip)

	case protocol.ModeGetAbsenceInfo, protocol.ModeSendAbsenceInfo:
		log.Printf("router: absence-info frame %#x from %s, not implemented", mode, ip)

	case protocol.ModeNoOperation, protocol.ModeSendInfo:
		// Nothing to do.

	default:
		log.Printf("router: unhandled mode %#x from %s, dropped", mode, ip)
	}
}

// handleSendMsg surfaces a text message or file offer and sends the
// acknowledgment when asked for one. The ack is fire-and-forget: no
// retry, no resend on timeout.
func (r *Router) handleSendMsg(f *protocol.Frame, ip string, port int) {
	if protocol.HasOption(f.Kind, protocol.OptFileAttach) {
		offer, err := r.transfers.OnIncomingOffer(f, ip, port)
		if err != nil {
			log.Printf("router: file offer from %s dropped: %v", ip, err)
		} else {
			r.events.FileOfferReceived(offer)
		}
	} else {
		r.events.MessageReceived(ip, f)
	}

	// OptSendCheck is only an ack request in send context; the same bit
	// means absence on other modes.
	if protocol.HasOption(f.Kind, protocol.OptSendCheck) {
		content := strconv.FormatUint(f.PacketID, 10)
		if err := r.send(protocol.ModeRecvMsg, content, ip, port); err != nil {
			log.Printf("router: ack to %s failed: %v", ip, err)
		}
	}
}

// handleAck correlates an inbound acknowledgment to the original packet
// id carried in its content.
func (r *Router) handleAck(f *protocol.Frame, ip string) {
	id, err := strconv.ParseUint(strings.TrimSpace(f.Content), 10, 64)
	if err != nil {
		log.Printf("router: ack from %s with bad packet id %q", ip, f.Content)
		return
	}
	r.events.MessageAck(ip, id)
}
