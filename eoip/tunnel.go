package eoip

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log/level"
)

// runKeepalive periodically transmits a header-only EoIP frame to the
// peer, keeping the peer's side of the tunnel up while the link is
// otherwise idle.  Send errors are not fatal; the next tick retries.
func (tt *tapTunnel) runKeepalive(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		tt.sendKeepalive()
		time.Sleep(keepaliveInterval)
	}
}

func (tt *tapTunnel) sendKeepalive() {
	if err := tt.sock.Send(tt.header); err != nil {
		level.Error(tt.logger).Log(
			"message", "keepalive send failed",
			"error", err)
	}
}

// runEgress reads Ethernet frames from the TAP device and transmits
// them to the peer with the EoIP header prepended.  The buffer is
// reused across frames with the stamped header pre-seeded at the
// front.  Read or send errors are fatal to this tunnel's egress only.
func (tt *tapTunnel) runEgress(wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, eoipHeaderLen+maxFrameLen)
	copy(buf, tt.header)

	for {
		n, err := tt.dev.Read(buf[eoipHeaderLen:])
		if err != nil {
			level.Error(tt.logger).Log(
				"message", "TAP read failed",
				"error", err)
			return
		}
		if err = tt.sock.Send(buf[:eoipHeaderLen+n]); err != nil {
			level.Error(tt.logger).Log(
				"message", "egress send failed",
				"error", err)
			return
		}
	}
}
