package protocol

// Protocol constants
const (
	// Protocol version carried in the first wire field
	ProtocolVersion = 1

	// Default UDP port for presence and messages
	DefaultPort = 2425

	// Maximum content length accepted in a single frame
	MaxContentLen = 1 << 20
)

// Modes (low 8 bits of a frame's Kind field)
const (
	// Presence (0x0x)
	ModeNoOperation uint32 = 0x00
	ModeBrEntry     uint32 = 0x01 // online announce, broadcast
	ModeBrExit      uint32 = 0x02 // explicit offline notice
	ModeAnsEntry    uint32 = 0x03 // unicast answer to an entry
	ModeBrAbsence   uint32 = 0x04 // absence-state announce

	// Host list (0x1x) - stubbed, kept for interop logging
	ModeBrIsGetList  uint32 = 0x10
	ModeOkGetList    uint32 = 0x11
	ModeGetList      uint32 = 0x12
	ModeAnsList      uint32 = 0x13
	ModeBrIsGetList2 uint32 = 0x18

	// Messaging (0x2x-0x3x)
	ModeSendMsg    uint32 = 0x20
	ModeRecvMsg    uint32 = 0x21 // acknowledgment, content = original packet id
	ModeReadMsg    uint32 = 0x30
	ModeDelMsg     uint32 = 0x31
	ModeAnsReadMsg uint32 = 0x32

	// Peer info (0x4x-0x5x)
	ModeGetInfo         uint32 = 0x40
	ModeSendInfo        uint32 = 0x41
	ModeGetAbsenceInfo  uint32 = 0x50
	ModeSendAbsenceInfo uint32 = 0x51

	// File transfer (0x6x)
	ModeGetFileData  uint32 = 0x60
	ModeReleaseFiles uint32 = 0x61
	ModeGetDirFiles  uint32 = 0x62

	// Key exchange (0x7x) - stubbed, encryption is out of scope
	ModeGetPubKey uint32 = 0x72
	ModeAnsPubKey uint32 = 0x73
)

// Global option flags (high 24 bits of Kind). Valid with any mode.
const (
	OptAbsence    uint32 = 0x00000100
	OptServer     uint32 = 0x00000200
	OptDialup     uint32 = 0x00010000
	OptFileAttach uint32 = 0x00200000
	OptEncrypt    uint32 = 0x00400000
	OptUTF8       uint32 = 0x00800000
)

// Send option flags. Only meaningful alongside ModeSendMsg; several alias
// the global flags bit-for-bit (OptSendCheck == OptAbsence, OptSecret ==
// OptServer), so callers must extract the mode before interpreting them.
const (
	OptSendCheck uint32 = 0x00000100 // sender requests an acknowledgment
	OptSecret    uint32 = 0x00000200
	OptBroadcast uint32 = 0x00000400
	OptMulticast uint32 = 0x00000800
	OptNoPopup   uint32 = 0x00001000
	OptAutoReply uint32 = 0x00002000
	OptRetry     uint32 = 0x00004000
	OptPassword  uint32 = 0x00008000
	OptNoLog     uint32 = 0x00020000
)

// Frame represents one decoded wire message
type Frame struct {
	Version    uint8  // wire version, expected ProtocolVersion
	PacketID   uint64 // sender-local monotonic counter, not globally unique
	SenderName string // must not contain the field delimiter
	SenderHost string // must not contain the field delimiter
	Kind       uint32 // low 8 bits mode, high 24 bits option flags
	Content    string
	Vendor     bool // set when decoded from the hybrid vendor layout
}

// Mode extracts the operation code from a kind field
func Mode(kind uint32) uint32 {
	return kind & 0xFF
}

// Options extracts the option bits from a kind field
func Options(kind uint32) uint32 {
	return kind &^ 0xFF
}

// HasOption checks if an option flag is set on a kind field
func HasOption(kind, opt uint32) bool {
	return kind&opt != 0
}

// Pack combines a mode and option bits into a kind field
func Pack(mode, opts uint32) uint32 {
	return (mode & 0xFF) | (opts &^ 0xFF)
}

// IsPresenceMode reports whether a mode announces, answers, or withdraws
// peer availability
func IsPresenceMode(mode uint32) bool {
	switch mode {
	case ModeBrEntry, ModeBrExit, ModeAnsEntry, ModeBrAbsence:
		return true
	}
	return false
}
