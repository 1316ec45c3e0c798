package ifmeta

import "net"

// Interface is what is known about one network interface.
type Interface struct {
	Index   uint32
	Name    string
	MAC     net.HardwareAddr
	Up      bool
	Ingress bool // an ingress traffic site is attached
	Egress  bool // an egress traffic site is attached
}
