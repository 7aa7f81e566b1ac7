package eoip

import (
	"io"

	"github.com/go-kit/kit/log"
)

// packetSender transmits one datagram payload to a connected peer.
// Implemented by rawSocket.
type packetSender interface {
	Send(b []byte) error
}

// packetReceiver receives one datagram into b, blocking until a
// datagram arrives.  Implemented by rawSocket.
type packetReceiver interface {
	Recv(b []byte) (int, error)
}

// tapDevice exposes the user side of a kernel TAP interface: raw
// Ethernet frames, one per Read/Write call.  Implemented by
// *water.Interface.
type tapDevice interface {
	io.ReadWriter
	Name() string
}

// tapTunnel bridges a remote peer to a local TAP device.
type tapTunnel struct {
	id     TunnelID
	sock   packetSender
	dev    tapDevice
	ifname string
	// header is the EoIP header template with this tunnel's ID
	// stamped in, ready for transmission.
	header []byte
	logger log.Logger
}

// fwdTunnel bridges two remote peers, relaying EoIP packets between
// them.  Inbound packets are classified by source address against
// each side's peer.
type fwdTunnel struct {
	id           TunnelID
	sideA, sideB packetSender
	peerA, peerB [4]byte
	logger       log.Logger
}

// fromSideA reports whether the source address octets of a received
// datagram match side A's peer.  A source matching neither side is
// attributed to side B and relayed out side A: there is no
// default-deny branch, matching the established on-wire behavior.
func (ft *fwdTunnel) fromSideA(src []byte) bool {
	return src[0] == ft.peerA[0] && src[1] == ft.peerA[1] &&
		src[2] == ft.peerA[2] && src[3] == ft.peerA[3]
}
