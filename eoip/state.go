package eoip

import (
	"sync"
	"time"
)

// tunnelState tracks the liveness of one tunnel (or one side of a
// forward tunnel).  A tunnel is up iff at least one inbound packet
// arrived within the idle timeout.
//
// The zero value is a down tunnel.
type tunnelState struct {
	up         bool
	lastPacket time.Time
}

// gotPacket records an inbound packet at the given time and reports
// whether this crossed a down-to-up edge.  Callers act on the edge
// exactly once.
func (ts *tunnelState) gotPacket(now time.Time) (cameUp bool) {
	cameUp = !ts.up
	ts.up = true
	ts.lastPacket = now
	return
}

// checkTimeout downs the tunnel if no packet has arrived within the
// idle timeout, reporting whether this crossed an up-to-down edge.
func (ts *tunnelState) checkTimeout(now time.Time, idleTimeout time.Duration) (wentDown bool) {
	if ts.up && now.Sub(ts.lastPacket) > idleTimeout {
		ts.up = false
		return true
	}
	return false
}

// fwdState is the liveness of a forward tunnel, tracked independently
// per side.
type fwdState struct {
	sideA, sideB tunnelState
}

// livenessTable holds the mutable tunnel state shared between the
// dispatch worker and the timeout sweeper.  One lock per tunnel
// variant; each lock also covers the link-state command issued on a
// state edge, so an edge is reported exactly once.
type livenessTable struct {
	tapLock sync.Mutex
	taps    map[TunnelID]*tunnelState
	fwdLock sync.Mutex
	fwds    map[TunnelID]*fwdState
}

func newLivenessTable() *livenessTable {
	return &livenessTable{
		taps: make(map[TunnelID]*tunnelState),
		fwds: make(map[TunnelID]*fwdState),
	}
}
