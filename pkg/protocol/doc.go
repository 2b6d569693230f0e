// Package protocol implements the LanTalk wire codec.
//
// LanTalk speaks the classic LAN messenger protocol: line-oriented,
// colon-delimited text over UDP port 2425, compatible with IP Messenger
// clients and the FeiQ vendor variant.
//
// # Canonical layout
//
//	version:packet_id:sender_name:sender_host:kind:content
//
// All fields are ASCII/UTF-8 text. The kind field is a decimal u32 whose
// low 8 bits select the operation (mode) and whose high 24 bits carry
// option flags. Content may itself contain colons; everything after the
// fifth delimiter belongs to it.
//
// # Vendor hybrid layout
//
// FeiQ-family clients prepend a '#'-delimited header and reorder the
// fields of the trailing section:
//
//	1_lbt6_0#128#<mac>#0#0#0#<port>#version:unixtime:packet_id:hostname:kind:content
//
// The two layouts are distinguished after stripping the vendor header by
// inspecting the second field: exactly 10 ASCII digits marks the vendor
// layout. Presence frames in the vendor layout carry the username inside
// the content field.
//
// # Encodings
//
// Buffers are decoded as strict UTF-8 first, with a GBK fallback for
// legacy double-byte senders. Encoding always emits UTF-8 in the
// canonical layout.
//
// # Modes
//
// Presence (0x0x):
//   - BrEntry/BrExit: broadcast online/offline announcements
//   - AnsEntry: unicast answer completing the discovery handshake
//   - BrAbsence: absence-state change
//
// Messaging (0x2x-0x3x):
//   - SendMsg: text message; OptSendCheck requests an acknowledgment
//   - RecvMsg: acknowledgment carrying the original packet id
//   - ReadMsg/DelMsg/AnsReadMsg: read receipts and recalls (pass-through)
//
// File transfer (0x6x):
//   - SendMsg + OptFileAttach: transfer offer with a JSON payload
//   - GetFileData: offer decision with a JSON payload
//   - ReleaseFiles: transfer cancellation
//
// Host list (0x1x) and key exchange (0x7x) modes are recognized but
// stubbed; frames with those modes are logged and dropped by the router.
//
// Unknown versions are accepted with a warning for interoperability;
// unknown modes are preserved and surface as unhandled at the router.
package protocol
