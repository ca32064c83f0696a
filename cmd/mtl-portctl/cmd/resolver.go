package cmd

import (
	"context"
	"net"

	"github.com/OpenVisualCloud/go-mtl/collab"
)

// staticResolver satisfies collab.NeighborResolver without ever touching
// the network. The kernel_socket backend hands framing off to the OS's own
// UDP stack, which performs its own neighbor resolution; TXSession still
// requires a resolver before it will send (rfc4175.TXSession.ensureResolved),
// so this CLI supplies a fixed placeholder address rather than shelling out
// to arp(8). Swap this for a real resolver before pointing this tool at the
// af_xdp/rdma_ud/dpdk_pmd backends, which do need a genuine neighbor MAC.
type staticResolver struct {
	mac net.HardwareAddr
}

func newStaticResolver() collab.NeighborResolver {
	return staticResolver{mac: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}}
}

func (r staticResolver) Resolve(_ context.Context, _ net.IP) (net.HardwareAddr, error) {
	return r.mac, nil
}
