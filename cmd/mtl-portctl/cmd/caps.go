package cmd

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/OpenVisualCloud/go-mtl/config"
	"github.com/OpenVisualCloud/go-mtl/mtl"
	"github.com/spf13/cobra"
)

var (
	capsPMD       string
	capsInterface string
	capsSIP       string
	capsPortID    int
)

func init() {
	c := &cobra.Command{
		Use:   "caps",
		Short: "Open a port and print the capabilities its backend reports",
		RunE:  runCapsCmd,
	}
	c.Flags().StringVar(&capsPMD, "pmd", string(config.PMDKernelSocket), "backend: kernel_socket, native_af_xdp, rdma_ud, dpdk_pmd")
	c.Flags().StringVar(&capsInterface, "interface", "lo", "kernel interface name (kernel_socket, native_af_xdp)")
	c.Flags().StringVar(&capsSIP, "sip", "127.0.0.1", "port's source IP address")
	c.Flags().IntVar(&capsPortID, "port-id", 0, "logical port id")
	RootCmd.AddCommand(c)
}

func runCapsCmd(_ *cobra.Command, _ []string) error {
	configureLogging()

	sip := net.ParseIP(capsSIP)
	if sip == nil {
		return fmt.Errorf("invalid --sip %q", capsSIP)
	}

	portCfg := config.PortConfig{
		PortID:    capsPortID,
		PMD:       config.PMDKind(capsPMD),
		SIPAddr:   sip,
		Interface: capsInterface,
	}

	engine, err := mtl.NewEngine(config.EngineConfig{Ports: []config.PortConfig{portCfg}}, newStaticResolver(), nil, nil)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	port, err := engine.NewPort(portCfg)
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}

	out, err := json.MarshalIndent(port.Caps(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
