package eoip

import (
	"fmt"

	"github.com/katalix/go-eoip/internal/nlifc"
)

// LinkControl abstracts setting an interface administratively up or
// down by name.  The dispatch worker calls SetUp on a tunnel's first
// inbound packet; the timeout sweeper calls SetDown when the tunnel
// idles out.  Failures are logged by the caller and are not fatal.
type LinkControl interface {
	SetUp(ifname string) error
	SetDown(ifname string) error
	Close()
}

var _ LinkControl = (*nlLinkControl)(nil)
var _ LinkControl = (*nullLinkControl)(nil)

type nlLinkControl struct {
	nlconn *nlifc.Conn
}

// NewNetlinkLinkControl creates a LinkControl backed by a rtnetlink
// connection to the Linux kernel.
func NewNetlinkLinkControl() (LinkControl, error) {
	nlconn, err := nlifc.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to establish a rtnetlink connection: %v", err)
	}
	return &nlLinkControl{nlconn: nlconn}, nil
}

func (lc *nlLinkControl) SetUp(ifname string) error {
	return lc.nlconn.SetLinkUp(ifname)
}

func (lc *nlLinkControl) SetDown(ifname string) error {
	return lc.nlconn.SetLinkDown(ifname)
}

func (lc *nlLinkControl) Close() {
	if lc.nlconn != nil {
		lc.nlconn.Close()
	}
}

type nullLinkControl struct {
}

func (lc *nullLinkControl) SetUp(ifname string) error {
	return nil
}

func (lc *nullLinkControl) SetDown(ifname string) error {
	return nil
}

func (lc *nullLinkControl) Close() {
}
