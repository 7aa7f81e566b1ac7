package eoip

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// NewHeaderTemplate parses an EoIP header template from its hex string
// representation, e.g. "01 00 64 00 00 00 00 00".  Whitespace is
// ignored.  The template must describe exactly 8 octets.
//
// The template is shared by every tunnel: only the tunnel ID octets
// are rewritten per frame.
func NewHeaderTemplate(s string) ([]byte, error) {
	hdr, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("failed to parse packet header %q: %v", s, err)
	}
	if len(hdr) != eoipHeaderLen {
		return nil, fmt.Errorf("packet header must be %d octets, got %d", eoipHeaderLen, len(hdr))
	}
	return hdr, nil
}

// stampedHeader returns a copy of the template with the tunnel ID
// written at octets 6..8 in little-endian byte order.
func stampedHeader(template []byte, id TunnelID) []byte {
	hdr := make([]byte, eoipHeaderLen)
	copy(hdr, template)
	binary.LittleEndian.PutUint16(hdr[eoipHeaderLen-2:], uint16(id))
	return hdr
}

// extractTunnelID reads the tunnel ID from a received datagram.
// Datagrams shorter than an IPv4 header plus an EoIP header cannot
// carry a tunnel ID and are malformed.
func extractTunnelID(datagram []byte) (TunnelID, error) {
	if len(datagram) < keepaliveLen {
		return 0, fmt.Errorf("short datagram: %d octets", len(datagram))
	}
	return TunnelID(binary.LittleEndian.Uint16(datagram[tunnelIDOffset:])), nil
}

// isKeepalive reports whether a received datagram is a bare EoIP
// header with no Ethernet payload.
func isKeepalive(datagram []byte) bool {
	return len(datagram) == keepaliveLen
}

// sourceAddr returns the source IPv4 address of a received datagram.
func sourceAddr(datagram []byte) net.IP {
	return net.IP(datagram[srcAddrOffset : srcAddrOffset+4])
}

// innerFrame returns the tunneled Ethernet frame of a received
// datagram: empty for a keepalive.
func innerFrame(datagram []byte) []byte {
	return datagram[payloadOffset:]
}

// eoipPacket returns the EoIP header and payload of a received
// datagram, stripping the IPv4 header.  This is the portion relayed
// verbatim when proxying between two peers.
func eoipPacket(datagram []byte) []byte {
	return datagram[eoipPktOffset:]
}
