// Package nlifc manipulates network interface administrative state
// using the rtnetlink protocol.
package nlifc

import (
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// Conn represents a rtnetlink connection to the kernel.
type Conn struct {
	c *netlink.Conn
}

// Dial creates a new rtnetlink connection to the kernel.
func Dial() (*Conn, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// Close connection, releasing associated resources
func (c *Conn) Close() {
	c.c.Close()
}

// SetLinkUp sets the IFF_UP flag on the named interface.
func (c *Conn) SetLinkUp(ifname string) error {
	return c.setLinkFlags(ifname, unix.IFF_UP, unix.IFF_UP)
}

// SetLinkDown clears the IFF_UP flag on the named interface.
func (c *Conn) SetLinkDown(ifname string) error {
	return c.setLinkFlags(ifname, 0, unix.IFF_UP)
}

func (c *Conn) setLinkFlags(ifname string, flags, change uint32) error {

	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("no interface %q: %v", ifname, err)
	}

	_, err = c.c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: ifInfoMsgBytes(int32(ifi.Index), flags, change),
	})
	if err != nil {
		return fmt.Errorf("rtnetlink RTM_NEWLINK %q: %v", ifname, err)
	}
	return nil
}

// ifInfoMsgBytes packs a struct ifinfomsg as expected by rtnetlink
// link requests: family, pad, device type, interface index, flags,
// and the mask of flags to change.
func ifInfoMsgBytes(index int32, flags, change uint32) []byte {
	buf := make([]byte, 16)
	buf[0] = unix.AF_UNSPEC
	nlenc.PutInt32(buf[4:8], index)
	nlenc.PutUint32(buf[8:12], flags)
	nlenc.PutUint32(buf[12:16], change)
	return buf
}
