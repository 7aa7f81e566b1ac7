package eoip

import (
	"time"

	"github.com/go-kit/kit/log/level"
)

// runDispatch is the single reader on the shared receive socket.  It
// demultiplexes inbound datagrams by tunnel ID, drives the liveness
// table, and forwards payloads on to TAP devices or opposite-side
// peers.  Per-packet errors never terminate the loop; only a failure
// of the receive socket itself does.
func (c *Context) runDispatch() {
	defer c.wg.Done()

	buf := make([]byte, recvBufLen)
	for {
		n, err := c.recvSock.Recv(buf)
		if err != nil {
			level.Error(c.logger).Log(
				"message", "receive socket failed",
				"error", err)
			return
		}
		c.dispatch(buf[:n])
	}
}

func (c *Context) dispatch(datagram []byte) {

	id, err := extractTunnelID(datagram)
	if err != nil {
		// Too short to carry a tunnel ID: drop.
		return
	}

	// TAP lookup wins if a tap and a forward tunnel share an ID.
	if tt, ok := c.taps[id]; ok {
		c.dispatchTap(tt, datagram)
		return
	}
	if ft, ok := c.fwds[id]; ok {
		c.dispatchForward(ft, datagram)
		return
	}

	level.Info(c.logger).Log(
		"message", "unknown tunnel",
		"tunnel_id", id)
}

func (c *Context) dispatchTap(tt *tapTunnel, datagram []byte) {

	// The link-state command is issued under the liveness lock so
	// the up transition is reported exactly once, and strictly
	// before the packet reaches the TAP device.
	c.liveness.tapLock.Lock()
	if c.liveness.taps[tt.id].gotPacket(time.Now()) {
		level.Info(tt.logger).Log("message", "tunnel up")
		if err := c.linkctl.SetUp(tt.ifname); err != nil {
			level.Error(tt.logger).Log(
				"message", "failed to set link up",
				"interface", tt.ifname,
				"error", err)
		}
	}
	c.liveness.tapLock.Unlock()

	if isKeepalive(datagram) {
		return
	}

	if _, err := tt.dev.Write(innerFrame(datagram)); err != nil {
		level.Error(tt.logger).Log(
			"message", "TAP write failed",
			"error", err)
	}
}

func (c *Context) dispatchForward(ft *fwdTunnel, datagram []byte) {

	src := datagram[srcAddrOffset : srcAddrOffset+4]

	var out packetSender
	var outSide string

	c.liveness.fwdLock.Lock()
	state := c.liveness.fwds[ft.id]
	if ft.fromSideA(src) {
		if state.sideA.gotPacket(time.Now()) {
			level.Info(ft.logger).Log("message", "side a up")
		}
		out, outSide = ft.sideB, "b"
	} else {
		if state.sideB.gotPacket(time.Now()) {
			level.Info(ft.logger).Log("message", "side b up")
		}
		out, outSide = ft.sideA, "a"
	}
	c.liveness.fwdLock.Unlock()

	// Relay the EoIP header and payload; the kernel regenerates the
	// IPv4 header for the connected peer.
	if err := out.Send(eoipPacket(datagram)); err != nil {
		level.Error(ft.logger).Log(
			"message", "forward send failed",
			"side", outSide,
			"error", err)
	}
}

// runSweeper periodically walks the liveness table and downs tunnels
// whose idle timeout has elapsed.
func (c *Context) runSweeper() {
	defer c.wg.Done()
	for {
		time.Sleep(sweepInterval)
		c.sweep(time.Now())
	}
}

func (c *Context) sweep(now time.Time) {

	c.liveness.tapLock.Lock()
	for id, state := range c.liveness.taps {
		if state.checkTimeout(now, c.cfg.IdleTimeout) {
			tt := c.taps[id]
			level.Info(tt.logger).Log("message", "tunnel down")
			if err := c.linkctl.SetDown(tt.ifname); err != nil {
				level.Error(tt.logger).Log(
					"message", "failed to set link down",
					"interface", tt.ifname,
					"error", err)
			}
		}
	}
	c.liveness.tapLock.Unlock()

	c.liveness.fwdLock.Lock()
	for id, state := range c.liveness.fwds {
		if state.sideA.checkTimeout(now, c.cfg.IdleTimeout) {
			level.Info(c.fwds[id].logger).Log("message", "side a down")
		}
		if state.sideB.checkTimeout(now, c.cfg.IdleTimeout) {
			level.Info(c.fwds[id].logger).Log("message", "side b down")
		}
	}
	c.liveness.fwdLock.Unlock()
}
