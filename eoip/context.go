package eoip

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Config encapsulates process-wide multiplexer configuration shared
// by every tunnel.
type Config struct {
	// BindAddr is the local IPv4 address the shared receive socket
	// binds to.
	BindAddr net.IP
	// Protocol is the IP protocol number EoIP datagrams are carried
	// on.
	Protocol uint16
	// PacketHeader is the 8-octet EoIP header template as a hex
	// string, e.g. "01 00 64 00 00 00 00 00".
	PacketHeader string
	// IdleTimeout is how long a tunnel may go without inbound
	// traffic before it is considered down.
	IdleTimeout time.Duration
}

// TapTunnelConfig encapsulates configuration for a single TAP tunnel:
// a remote peer bridged to a local TAP device.
type TapTunnelConfig struct {
	TunnelID      TunnelID
	RemoteAddr    net.IP
	InterfaceName string
	// TapAddr is the address to assign to the TAP interface, in
	// CIDR notation, or empty for none.  Assignment is performed by
	// the application via the tunnel hooks, not by the core.
	TapAddr string
}

// ForwardTunnelConfig encapsulates configuration for a single forward
// tunnel: two remote peers bridged to one another.
type ForwardTunnelConfig struct {
	TunnelID TunnelID
	SideA    net.IP
	SideB    net.IP
}

// TunnelHookInfo parameterizes the hook calls made around TAP device
// setup.
type TunnelHookInfo struct {
	TunnelID      TunnelID
	RemoteAddr    net.IP
	InterfaceName string
	TapAddr       string
	Protocol      uint16
}

// TunnelHooks is the application callback surface for TAP tunnel
// setup.  PreSetup runs before the TAP device is created, with
// InterfaceName carrying the requested name; PostSetup runs after
// creation, with InterfaceName carrying the name the kernel actually
// assigned.  An error from either aborts the tunnel.
type TunnelHooks interface {
	PreSetup(info *TunnelHookInfo) error
	PostSetup(info *TunnelHookInfo) error
}

// Context is the top-level owner of the tunnel registry, the liveness
// table, the shared receive socket, and the header template.  These
// must outlive every worker goroutine; owning them in one
// process-lifetime struct guarantees that.
type Context struct {
	logger   log.Logger
	cfg      Config
	template []byte
	linkctl  LinkControl
	hooks    TunnelHooks
	recvSock packetReceiver
	taps     map[TunnelID]*tapTunnel
	fwds     map[TunnelID]*fwdTunnel
	liveness *livenessTable
	started  bool
	wg       sync.WaitGroup
}

// NewContext creates a new EoIP multiplexer context, parsing the
// header template and binding the shared receive socket.
//
// The context does not log unless a logger is specified using the
// logger parameter.
func NewContext(cfg Config, linkctl LinkControl, logger log.Logger) (*Context, error) {

	if logger == nil {
		logger = log.NewNopLogger()
	}
	if linkctl == nil {
		return nil, fmt.Errorf("invalid nil link control")
	}

	template, err := NewHeaderTemplate(cfg.PacketHeader)
	if err != nil {
		return nil, err
	}

	recvSock, err := newRecvSocket(cfg.BindAddr, int(cfg.Protocol))
	if err != nil {
		return nil, fmt.Errorf("failed to create receive socket: %v", err)
	}

	return &Context{
		logger:   logger,
		cfg:      cfg,
		template: template,
		linkctl:  linkctl,
		recvSock: recvSock,
		taps:     make(map[TunnelID]*tapTunnel),
		fwds:     make(map[TunnelID]*fwdTunnel),
		liveness: newLivenessTable(),
	}, nil
}

// RegisterTunnelHooks arranges for hooks to be called around TAP
// device setup.  Call before adding tunnels.
func (c *Context) RegisterTunnelHooks(hooks TunnelHooks) {
	c.hooks = hooks
}

func (c *Context) checkTunnelID(id TunnelID) error {
	if c.started {
		return fmt.Errorf("cannot add tunnels once the context is running")
	}
	if _, ok := c.taps[id]; ok {
		return fmt.Errorf("already have tunnel %d", id)
	}
	if _, ok := c.fwds[id]; ok {
		return fmt.Errorf("already have tunnel %d", id)
	}
	return nil
}

// AddTapTunnel creates a TAP tunnel: a raw socket connected to the
// remote peer, and a local TAP device carrying the tunneled frames.
// The TAP interface starts administratively down; the first inbound
// packet brings it up.
func (c *Context) AddTapTunnel(name string, cfg *TapTunnelConfig) error {

	if cfg == nil {
		return fmt.Errorf("invalid nil config")
	}
	if err := c.checkTunnelID(cfg.TunnelID); err != nil {
		return err
	}

	info := &TunnelHookInfo{
		TunnelID:      cfg.TunnelID,
		RemoteAddr:    cfg.RemoteAddr,
		InterfaceName: cfg.InterfaceName,
		TapAddr:       cfg.TapAddr,
		Protocol:      c.cfg.Protocol,
	}

	if c.hooks != nil {
		if err := c.hooks.PreSetup(info); err != nil {
			return fmt.Errorf("tunnel pre-setup hook: %v", err)
		}
	}

	sock, err := newPeerSocket(cfg.RemoteAddr, int(c.cfg.Protocol))
	if err != nil {
		return err
	}

	dev, err := openTap(cfg.InterfaceName)
	if err != nil {
		sock.Close()
		return err
	}

	info.InterfaceName = dev.Name()
	if c.hooks != nil {
		if err := c.hooks.PostSetup(info); err != nil {
			dev.Close()
			sock.Close()
			return fmt.Errorf("tunnel post-setup hook: %v", err)
		}
	}

	logger := log.With(c.logger, "tunnel_name", name, "tunnel_id", cfg.TunnelID)

	tt := &tapTunnel{
		id:     cfg.TunnelID,
		sock:   sock,
		dev:    dev,
		ifname: dev.Name(),
		header: stampedHeader(c.template, cfg.TunnelID),
		logger: logger,
	}
	c.taps[tt.id] = tt
	c.liveness.taps[tt.id] = &tunnelState{}

	if err := c.linkctl.SetDown(tt.ifname); err != nil {
		level.Error(logger).Log(
			"message", "failed to set link down",
			"interface", tt.ifname,
			"error", err)
	}

	level.Info(logger).Log(
		"message", "new tap tunnel",
		"peer", cfg.RemoteAddr,
		"interface", tt.ifname)

	return nil
}

// AddForwardTunnel creates a forward tunnel: two raw sockets, one
// connected to each peer, relaying EoIP packets between them.
func (c *Context) AddForwardTunnel(name string, cfg *ForwardTunnelConfig) error {

	if cfg == nil {
		return fmt.Errorf("invalid nil config")
	}
	if err := c.checkTunnelID(cfg.TunnelID); err != nil {
		return err
	}

	peerA := cfg.SideA.To4()
	peerB := cfg.SideB.To4()
	if peerA == nil || peerB == nil {
		return fmt.Errorf("forward tunnel peers must be IPv4 addresses")
	}

	sideA, err := newPeerSocket(cfg.SideA, int(c.cfg.Protocol))
	if err != nil {
		return err
	}
	sideB, err := newPeerSocket(cfg.SideB, int(c.cfg.Protocol))
	if err != nil {
		sideA.Close()
		return err
	}

	logger := log.With(c.logger, "tunnel_name", name, "tunnel_id", cfg.TunnelID)

	ft := &fwdTunnel{
		id:     cfg.TunnelID,
		sideA:  sideA,
		sideB:  sideB,
		peerA:  [4]byte{peerA[0], peerA[1], peerA[2], peerA[3]},
		peerB:  [4]byte{peerB[0], peerB[1], peerB[2], peerB[3]},
		logger: logger,
	}
	c.fwds[ft.id] = ft
	c.liveness.fwds[ft.id] = &fwdState{}

	level.Info(logger).Log(
		"message", "new forward tunnel",
		"side_a", cfg.SideA,
		"side_b", cfg.SideB)

	return nil
}

// Run starts the worker goroutines: one keepalive emitter and one TAP
// egress worker per TAP tunnel, the dispatch worker on the shared
// receive socket, and the liveness timeout sweeper.  The tunnel set
// is fixed from this point on.
//
// Workers run for the process lifetime; Run returns once they have
// been started.
func (c *Context) Run() {
	c.started = true
	for _, tt := range c.taps {
		c.wg.Add(2)
		go tt.runKeepalive(&c.wg)
		go tt.runEgress(&c.wg)
	}
	c.wg.Add(2)
	go c.runDispatch()
	go c.runSweeper()
}

// Wait blocks until every worker goroutine has returned.  Since the
// dispatch worker only returns on a receive socket failure, this is
// effectively forever in a healthy process.
func (c *Context) Wait() {
	c.wg.Wait()
}
