/*
Package eoip implements a userspace Ethernet-over-IP tunnel multiplexer.

EoIP conveys raw Ethernet frames as the payload of IPv4 datagrams on a
dedicated IP protocol number.  Each frame is preceded on the wire by an
8-octet EoIP header carrying a 16-bit tunnel identifier, which allows a
single host to terminate multiple tunnels on one receive socket.

Package eoip supports two tunnel modes.  A TAP tunnel bridges the remote
peer to a local kernel TAP device: frames arriving from the peer are
written to the TAP device, and frames read from the TAP device are
encapsulated and sent to the peer.  A forward tunnel bridges two remote
peers, relaying EoIP packets between them without touching a local
interface.

Tunnel liveness is tracked per tunnel (per side for forward tunnels)
from inbound traffic.  The first packet received on a TAP tunnel brings
the TAP interface administratively up; if no packet arrives within the
configured idle timeout the interface is brought back down.  A peer
keeps an idle tunnel alive by sending a header-only keepalive frame
every ten seconds, which this package does for its own TAP tunnels.

Usage

	# Read configuration.
	# Ignore errors for the purposes of demonstration!
	cfg, _ := config.LoadFile("./keoipd.toml")

	# Creation of EoIP tunnels requires a context.
	# We're using the real netlink link control and no logger
	# for brevity here.
	linkctl, _ := eoip.NewNetlinkLinkControl()
	ctx, _ := eoip.NewContext(cfg.General, linkctl, nil)

	# Create tunnel instances based on the config.
	for _, tcfg := range cfg.TapTunnels {
		ctx.AddTapTunnel(tcfg.Name, tcfg.Config)
	}
	for _, fcfg := range cfg.ForwardTunnels {
		ctx.AddForwardTunnel(fcfg.Name, fcfg.Config)
	}

	# Start the dispatch, keepalive, egress and sweeper workers.
	ctx.Run()

The tunnel set is fixed once Run has been called: tunnels cannot be
added or removed at runtime.

Package eoip does not encrypt tunneled traffic and does not
authenticate peers.  Anyone able to spoof datagrams with the configured
protocol number can inject frames; deploy it over trusted transport
only.
*/
package eoip
