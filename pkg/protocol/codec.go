package protocol

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

var (
	ErrEmptyDatagram   = errors.New("empty datagram")
	ErrUndecodableText = errors.New("buffer is neither valid UTF-8 nor valid GBK")
	ErrTooFewFields    = errors.New("frame has fewer than 6 fields")
	ErrInvalidVersion  = errors.New("unsupported protocol version")
	ErrInvalidPacketID = errors.New("packet id out of range")
	ErrInvalidKind     = errors.New("invalid kind field")
	ErrMissingSender   = errors.New("sender name or host is empty")
	ErrInvalidSender   = errors.New("sender name or host contains the field delimiter")
	ErrContentTooLong  = errors.New("content exceeds maximum length")
)

// fieldCount is the minimum number of colon-delimited fields in either layout.
const fieldCount = 6

// Decode parses a received datagram into a Frame.
//
// The buffer is first decoded as UTF-8, falling back to GBK for legacy
// senders. A vendor header ("1_lbt..." style, '#'-delimited) is stripped
// down to its trailing colon-delimited section. The two colon layouts are
// distinguished by the second field: exactly 10 ASCII digits means the
// vendor layout version:unixtime:packet_id:hostname:kind:content, anything
// else the canonical version:packet_id:sender_name:sender_host:kind:content.
//
// Decode never panics; any malformed input yields a typed error and the
// caller is expected to drop the datagram and continue.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDatagram
	}

	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	// Vendor hybrid framing: the '#'-delimited header never contains a
	// colon, so it shows up entirely inside the first nominal field.
	vendor := false
	if i := strings.IndexByte(text, ':'); i >= 0 {
		if j := strings.LastIndexByte(text[:i], '#'); j >= 0 {
			text = text[j+1:]
			vendor = true
		}
	}

	parts := strings.SplitN(text, ":", fieldCount)
	if len(parts) < fieldCount {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewFields, len(parts))
	}

	var f *Frame
	if isTenDigits(parts[1]) {
		f, err = decodeVendorLayout(parts)
	} else {
		f, err = decodeCanonicalLayout(parts)
	}
	if err != nil {
		return nil, err
	}
	f.Vendor = f.Vendor || vendor

	if f.Version != ProtocolVersion {
		// Accepted for interop with non-conforming senders.
		log.Printf("protocol: unexpected version %d from %s", f.Version, f.SenderHost)
	}
	if f.SenderName == "" || f.SenderHost == "" {
		return nil, ErrMissingSender
	}
	if len(f.Content) > MaxContentLen {
		return nil, ErrContentTooLong
	}

	return f, nil
}

// decodeCanonicalLayout parses version:packet_id:sender_name:sender_host:kind:content.
func decodeCanonicalLayout(parts []string) (*Frame, error) {
	version, err := parseVersion(parts[0])
	if err != nil {
		return nil, err
	}

	packetID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || packetID > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPacketID, parts[1])
	}

	kind, err := parseKind(parts[4])
	if err != nil {
		return nil, err
	}

	return &Frame{
		Version:    version,
		PacketID:   packetID,
		SenderName: parts[2],
		SenderHost: parts[3],
		Kind:       kind,
		Content:    parts[5],
	}, nil
}

// decodeVendorLayout parses version:unixtime:packet_id:hostname:kind:content.
// Presence frames carry the username inside content rather than a dedicated
// field; for all other modes content is left intact and the hostname doubles
// as the sender name. (The reference vendor client reinterprets content
// unconditionally, which clobbers non-presence payloads.)
func decodeVendorLayout(parts []string) (*Frame, error) {
	version, err := parseVersion(parts[0])
	if err != nil {
		return nil, err
	}

	packetID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		// Non-numeric packet ids fall back to the frame's own timestamp.
		packetID, _ = strconv.ParseUint(parts[1], 10, 64)
	}

	kind, err := parseKind(parts[4])
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Version:    version,
		PacketID:   packetID,
		SenderName: parts[3],
		SenderHost: parts[3],
		Kind:       kind,
		Content:    parts[5],
		Vendor:     true,
	}
	if IsPresenceMode(Mode(kind)) && f.Content != "" {
		f.SenderName = f.Content
		f.Content = ""
	}
	return f, nil
}

// Encode serializes a Frame into the canonical wire layout.
func Encode(f *Frame) ([]byte, error) {
	if f.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, f.Version)
	}
	if f.PacketID > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketID, f.PacketID)
	}
	if f.SenderName == "" || f.SenderHost == "" {
		return nil, ErrMissingSender
	}
	if strings.ContainsRune(f.SenderName, ':') || strings.ContainsRune(f.SenderHost, ':') {
		return nil, ErrInvalidSender
	}
	if len(f.Content) > MaxContentLen {
		return nil, ErrContentTooLong
	}

	s := fmt.Sprintf("%d:%d:%s:%s:%d:%s",
		f.Version, f.PacketID, f.SenderName, f.SenderHost, f.Kind, f.Content)
	return []byte(s), nil
}

// decodeText decodes a raw buffer as UTF-8, falling back to GBK.
func decodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodableText, err)
	}
	return string(out), nil
}

func parseVersion(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return uint8(v), nil
}

func parseKind(s string) (uint32, error) {
	k, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return uint32(k), nil
}

// isTenDigits reports whether s is exactly 10 ASCII digits, the shape of a
// unix timestamp in the vendor layout's second field.
func isTenDigits(s string) bool {
	if len(s) != 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
