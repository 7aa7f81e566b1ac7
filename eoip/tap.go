package eoip

import (
	"fmt"

	"github.com/songgao/water"
)

// openTap creates a kernel TAP device with the requested interface
// name.  The device is opened in Ethernet mode without packet
// information, so reads and writes carry bare Ethernet frames.
//
// Requires CAP_NET_ADMIN.
func openTap(name string) (*water.Interface, error) {

	cfg := water.Config{
		DeviceType: water.TAP,
	}
	cfg.Name = name

	dev, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create TAP device %q: %v", name, err)
	}

	return dev, nil
}
