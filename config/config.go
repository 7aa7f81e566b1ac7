/*
Package config implements a parser for EoIP multiplexer configuration
represented in the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repos for an in-depth description of the syntax.

The [general] table holds process-wide settings:

	[general]

	# bind_ip specifies the local IPv4 address the shared receive
	# socket binds to.
	bind_ip = "192.0.2.1"

	# protocol specifies the IP protocol number EoIP datagrams are
	# carried on.
	protocol = 47

	# packet_header specifies the 8-octet EoIP header template as a
	# hex string.  Spaces are ignored.  The tunnel ID is stamped into
	# octets 6..8 of the template per frame.
	packet_header = "01 00 64 00 00 00 00 00"

	# idle_timeout specifies, in seconds, how long a tunnel may go
	# without inbound traffic before it is considered down.
	idle_timeout = 60

Tunnel instances are called out using named TOML tables, one namespace
per tunnel mode.  Tunnel IDs must be unique for the host across both
modes.

	# This is a TAP tunnel named "lan": the remote peer is bridged to
	# a local TAP device.
	[tunnel.tap.lan]

	# id specifies the 16-bit tunnel ID carried in the EoIP header.
	id = 1

	# remote_ip specifies the IPv4 address of the remote peer.
	remote_ip = "198.51.100.2"

	# iface specifies the name to request for the TAP device.
	iface = "eoip0"

	# tap_ip, if set, specifies an address to assign to the TAP
	# device in CIDR notation.
	tap_ip = "10.99.0.1/24"

	# This is a forward tunnel named "relay": EoIP packets are
	# relayed between two remote peers, classified by source address.
	[tunnel.forward.relay]
	id = 2
	side_a = "203.0.113.10"
	side_b = "203.0.113.20"

Trigger tables name shell commands for the daemon to run before and
after each TAP device is set up.  The placeholders {id}, {remote_ip},
{iface}, {tap_ip} and {protocol} are substituted per tunnel.

	[[preload]]
	cmd = "ip link show"

	[[postload]]
	cmd = "ethtool --offload {iface} rx off tx off"
*/
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/katalix/go-eoip/eoip"
	"github.com/pelletier/go-toml"
)

// Config contains EoIP multiplexer configuration.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Apps may access this tree to handle their own config tables.
	Map map[string]interface{}
	// General holds the process-wide settings from the [general] table.
	General eoip.Config
	// All the TAP tunnels defined in the configuration.
	TapTunnels []NamedTapTunnel
	// All the forward tunnels defined in the configuration.
	ForwardTunnels []NamedForwardTunnel
	// Shell commands to run before each TAP device is created.
	PreloadCmds []string
	// Shell commands to run after each TAP device is created.
	PostloadCmds []string
}

// NamedTapTunnel contains configuration for a TAP tunnel instance.
type NamedTapTunnel struct {
	// The tunnel's name as specified in the config file.
	Name string
	// The tunnel configuration.
	Config *eoip.TapTunnelConfig
}

// NamedForwardTunnel contains configuration for a forward tunnel
// instance.
type NamedForwardTunnel struct {
	// The tunnel's name as specified in the config file.
	Name string
	// The tunnel configuration.
	Config *eoip.ForwardTunnelConfig
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toDurationSec(v interface{}) (time.Duration, error) {
	if b, ok := v.(int64); ok {
		if b < 0 {
			return 0, fmt.Errorf("value %v out of range", b)
		}
		return time.Duration(b) * time.Second, nil
	} else if b, ok := v.(uint64); ok {
		return time.Duration(b) * time.Second, nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toIPv4(v interface{}) (net.IP, error) {
	s, err := toString(v)
	if err != nil {
		return nil, err
	}
	addr := net.ParseIP(s)
	if addr == nil || addr.To4() == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return addr, nil
}

func toTunnelID(v interface{}) (eoip.TunnelID, error) {
	u, err := toUint16(v)
	return eoip.TunnelID(u), err
}

func newTapTunnelConfig(name string, tcfg map[string]interface{}) (*NamedTapTunnel, error) {
	nt := &NamedTapTunnel{
		Name:   name,
		Config: &eoip.TapTunnelConfig{},
	}
	for k, v := range tcfg {
		var err error
		switch k {
		case "id":
			nt.Config.TunnelID, err = toTunnelID(v)
		case "remote_ip":
			nt.Config.RemoteAddr, err = toIPv4(v)
		case "iface":
			nt.Config.InterfaceName, err = toString(v)
		case "tap_ip":
			nt.Config.TapAddr, err = toString(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if nt.Config.RemoteAddr == nil {
		return nil, fmt.Errorf("missing remote_ip parameter")
	}
	if nt.Config.InterfaceName == "" {
		return nil, fmt.Errorf("missing iface parameter")
	}
	return nt, nil
}

func newForwardTunnelConfig(name string, tcfg map[string]interface{}) (*NamedForwardTunnel, error) {
	nt := &NamedForwardTunnel{
		Name:   name,
		Config: &eoip.ForwardTunnelConfig{},
	}
	for k, v := range tcfg {
		var err error
		switch k {
		case "id":
			nt.Config.TunnelID, err = toTunnelID(v)
		case "side_a":
			nt.Config.SideA, err = toIPv4(v)
		case "side_b":
			nt.Config.SideB, err = toIPv4(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if nt.Config.SideA == nil || nt.Config.SideB == nil {
		return nil, fmt.Errorf("missing side_a or side_b parameter")
	}
	return nt, nil
}

func (cfg *Config) loadGeneral() error {
	got, ok := cfg.Map["general"]
	if !ok {
		return fmt.Errorf("no general table present")
	}
	gmap, ok := got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("general settings must live in a [general] table")
	}
	var haveTimeout bool
	for k, v := range gmap {
		var err error
		switch k {
		case "bind_ip":
			cfg.General.BindAddr, err = toIPv4(v)
		case "protocol":
			cfg.General.Protocol, err = toUint16(v)
		case "packet_header":
			cfg.General.PacketHeader, err = toString(v)
		case "idle_timeout":
			cfg.General.IdleTimeout, err = toDurationSec(v)
			haveTimeout = true
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if cfg.General.BindAddr == nil {
		return fmt.Errorf("missing bind_ip parameter")
	}
	if cfg.General.Protocol == 0 {
		return fmt.Errorf("missing protocol parameter")
	}
	if cfg.General.PacketHeader == "" {
		return fmt.Errorf("missing packet_header parameter")
	}
	if !haveTimeout {
		return fmt.Errorf("missing idle_timeout parameter")
	}
	return nil
}

func (cfg *Config) loadTunnels() error {
	got, ok := cfg.Map["tunnel"]
	if !ok {
		// An instance with no tunnels is legal, if useless.
		return nil
	}
	modes, ok := got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.tap.mytunnel]'")
	}

	for mode, instances := range modes {
		imap, ok := instances.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.%s.mytunnel]'", mode)
		}
		for name, got := range imap {
			tmap, ok := got.(map[string]interface{})
			if !ok {
				return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.%s.mytunnel]'", mode)
			}
			switch mode {
			case "tap":
				tcfg, err := newTapTunnelConfig(name, tmap)
				if err != nil {
					return fmt.Errorf("tunnel %v: %v", name, err)
				}
				cfg.TapTunnels = append(cfg.TapTunnels, *tcfg)
			case "forward":
				fcfg, err := newForwardTunnelConfig(name, tmap)
				if err != nil {
					return fmt.Errorf("tunnel %v: %v", name, err)
				}
				cfg.ForwardTunnels = append(cfg.ForwardTunnels, *fcfg)
			default:
				return fmt.Errorf("unrecognised tunnel mode '%v': expect 'tap' or 'forward'", mode)
			}
		}
	}
	return nil
}

func loadTriggers(v interface{}) ([]string, error) {
	var out []string
	triggers, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("triggers must be an array of tables")
	}
	for _, got := range triggers {
		tmap, ok := got.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("triggers must be an array of tables")
		}
		cmd, ok := tmap["cmd"]
		if !ok {
			return nil, fmt.Errorf("trigger has no cmd parameter")
		}
		s, err := toString(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to process cmd: %v", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (cfg *Config) loadAllTriggers() error {
	var err error
	if got, ok := cfg.Map["preload"]; ok {
		if cfg.PreloadCmds, err = loadTriggers(got); err != nil {
			return fmt.Errorf("preload: %v", err)
		}
	}
	if got, ok := cfg.Map["postload"]; ok {
		if cfg.PostloadCmds, err = loadTriggers(got); err != nil {
			return fmt.Errorf("postload: %v", err)
		}
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}
	if err := cfg.loadGeneral(); err != nil {
		return nil, fmt.Errorf("failed to parse general settings: %v", err)
	}
	if err := cfg.loadTunnels(); err != nil {
		return nil, fmt.Errorf("failed to parse tunnels: %v", err)
	}
	if err := cfg.loadAllTriggers(); err != nil {
		return nil, fmt.Errorf("failed to parse triggers: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
