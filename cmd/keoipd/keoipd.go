/*
The keoipd command is a daemon for running Ethernet-over-IP tunnels.

Package eoip is used for the tunnel dispatch core: raw socket I/O, TAP
device bridging, per-tunnel liveness and keepalives.  keoipd adds the
process lifecycle around it: configuration loading, TAP interface
address assignment, and the pre/post interface-setup shell triggers.

keoipd is driven by a configuration file which describes the general
settings and the tunnel instances to create.  For more information on
the configuration file format please refer to package config's
documentation.

Trigger commands from the configuration file are run via "sh -c" with
the placeholders {id}, {remote_ip}, {iface}, {tap_ip} and {protocol}
substituted per tunnel: preload triggers before the TAP device is
created, postload triggers after it exists and has its address.

keoipd requires CAP_NET_ADMIN and CAP_NET_RAW to create TAP devices
and raw sockets, which in practice means running as root.
*/
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/go-eoip/config"
	"github.com/katalix/go-eoip/eoip"
	"golang.org/x/sys/unix"
)

type application struct {
	cfg     *config.Config
	logger  log.Logger
	eoipCtx *eoip.Context
	linkctl eoip.LinkControl
	sigChan chan os.Signal
}

// tunnelTriggers implements eoip.TunnelHooks by running the
// configured shell commands and assigning the TAP address.
type tunnelTriggers struct {
	logger            log.Logger
	preload, postload []string
}

func (tr *tunnelTriggers) runCmd(cmd string, info *eoip.TunnelHookInfo) error {
	cmd = strings.NewReplacer(
		"{tap_ip}", info.TapAddr,
		"{id}", strconv.Itoa(int(info.TunnelID)),
		"{remote_ip}", info.RemoteAddr.String(),
		"{iface}", info.InterfaceName,
		"{protocol}", strconv.Itoa(int(info.Protocol)),
	).Replace(cmd)

	level.Debug(tr.logger).Log(
		"message", "running trigger",
		"cmd", cmd)

	out, err := exec.Command("sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("trigger %q: %v (output: %s)", cmd, err, out)
	}
	return nil
}

func (tr *tunnelTriggers) PreSetup(info *eoip.TunnelHookInfo) error {
	for _, cmd := range tr.preload {
		if err := tr.runCmd(cmd, info); err != nil {
			return err
		}
	}
	return nil
}

func (tr *tunnelTriggers) PostSetup(info *eoip.TunnelHookInfo) error {

	// Give the kernel a moment to finish instantiating the device
	// before poking at it.
	time.Sleep(300 * time.Millisecond)

	if info.TapAddr != "" {
		level.Info(tr.logger).Log(
			"message", "assigning TAP address",
			"address", info.TapAddr,
			"interface", info.InterfaceName)
		out, err := exec.Command("ip", "addr", "add", info.TapAddr,
			"dev", info.InterfaceName).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to assign %v to %v: %v (output: %s)",
				info.TapAddr, info.InterfaceName, err, out)
		}
	}

	time.Sleep(200 * time.Millisecond)

	for _, cmd := range tr.postload {
		if err := tr.runCmd(cmd, info); err != nil {
			return err
		}
	}
	return nil
}

func newApplication(cfg *config.Config, verbose bool) (app *application, err error) {

	app = &application{
		cfg:     cfg,
		sigChan: make(chan os.Signal, 1),
	}

	signal.Notify(app.sigChan, unix.SIGINT, unix.SIGTERM)

	logger := log.NewLogfmtLogger(os.Stderr)
	if verbose {
		app.logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		app.logger = level.NewFilter(logger, level.AllowInfo())
	}

	app.linkctl, err = eoip.NewNetlinkLinkControl()
	if err != nil {
		return nil, fmt.Errorf("failed to create link control: %v", err)
	}

	app.eoipCtx, err = eoip.NewContext(cfg.General, app.linkctl, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create EoIP context: %v", err)
	}

	app.eoipCtx.RegisterTunnelHooks(&tunnelTriggers{
		logger:   app.logger,
		preload:  cfg.PreloadCmds,
		postload: cfg.PostloadCmds,
	})

	return app, nil
}

func (app *application) run() int {

	for _, tcfg := range app.cfg.TapTunnels {
		if err := app.eoipCtx.AddTapTunnel(tcfg.Name, tcfg.Config); err != nil {
			level.Error(app.logger).Log(
				"message", "failed to create tap tunnel",
				"tunnel_name", tcfg.Name,
				"error", err)
			return 1
		}
	}

	for _, fcfg := range app.cfg.ForwardTunnels {
		if err := app.eoipCtx.AddForwardTunnel(fcfg.Name, fcfg.Config); err != nil {
			level.Error(app.logger).Log(
				"message", "failed to create forward tunnel",
				"tunnel_name", fcfg.Name,
				"error", err)
			return 1
		}
	}

	app.eoipCtx.Run()

	<-app.sigChan
	level.Info(app.logger).Log("message", "received signal, exiting")
	return 0
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/keoipd/keoipd.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPathPtr)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	app, err := newApplication(cfg, *verbosePtr)
	if err != nil {
		stdlog.Fatalf("failed to instantiate application: %v", err)
	}

	os.Exit(app.run())
}
