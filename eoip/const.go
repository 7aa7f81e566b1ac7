package eoip

import "time"

// TunnelID is the 16-bit tunnel identifier carried in the EoIP header.
// Tunnel IDs must be unique for the host across both TAP and forward
// tunnels.
type TunnelID uint16

const (
	// eoipHeaderLen is the size of the EoIP header preceding each
	// tunneled Ethernet frame.
	eoipHeaderLen = 8
	// ipv4HeaderLen is the size of the IPv4 header included at the
	// front of every datagram delivered by a raw IPv4 socket.
	ipv4HeaderLen = 20
	// keepaliveLen is the total length of a keepalive datagram: the
	// IPv4 header followed by a bare EoIP header, no Ethernet payload.
	keepaliveLen = ipv4HeaderLen + eoipHeaderLen
)

// Field offsets within a received datagram.
const (
	srcAddrOffset  = 12
	eoipPktOffset  = ipv4HeaderLen
	tunnelIDOffset = ipv4HeaderLen + 6
	payloadOffset  = keepaliveLen
)

const (
	// recvBufLen bounds a single inbound datagram on the shared
	// receive socket.
	recvBufLen = 2048
	// maxFrameLen bounds a single Ethernet frame read from a TAP
	// device.  Oversized frames are truncated by the device read.
	maxFrameLen = 2048
)

const (
	// keepaliveInterval is the period of the per-tunnel keepalive
	// emitter.
	keepaliveInterval = 10 * time.Second
	// sweepInterval is the period of the liveness timeout sweeper.
	// It is fixed regardless of the configured idle timeout, so an
	// idle tunnel is detected within one sweep of the timeout
	// elapsing.
	sweepInterval = 10 * time.Second
)
