package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/pciaddr"
)

var addrAttrs bool

var addrCmd = &cobra.Command{
	Use:   "addr",
	Short: "Convert PCI addresses between their string forms",
}

var addrEncodeCmd = &cobra.Command{
	Use:     "encode <dddd:bb:ss.f>...",
	Short:   "Print the node device name of PCI addresses",
	Example: "  sriovctl addr encode 0000:03:00.1   # pci_0000_03_00_1",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			addr, err := pciaddr.Parse(arg)
			if err != nil {
				return err
			}
			printAddr(cmd.OutOrStdout(), addr, addr.NodeName())
		}
		return nil
	},
}

var addrDecodeCmd = &cobra.Command{
	Use:   "decode <pci_dddd_bb_ss_f | domain=0x..,bus=0x..,slot=0x..,function=0x..>...",
	Short: "Print the PCI address of node device names or libvirt address attributes",
	Example: `  sriovctl addr decode pci_0000_03_00_1   # 0000:03:00.1
  sriovctl addr decode domain=0x0000,bus=0x03,slot=0x00,function=0x1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			addr, err := decodeAddr(arg)
			if err != nil {
				return err
			}
			printAddr(cmd.OutOrStdout(), addr, addr.String())
		}
		return nil
	},
}

func init() {
	addrCmd.PersistentFlags().BoolVar(&addrAttrs, "attrs", false, "Also print the libvirt address attributes")
	addrCmd.AddCommand(addrEncodeCmd, addrDecodeCmd)
	rootCmd.AddCommand(addrCmd)
}

// decodeAddr accepts a node device name or a comma separated list of
// key=value address attributes.
func decodeAddr(arg string) (pciaddr.Address, error) {
	if !strings.Contains(arg, "=") {
		return pciaddr.ParseNodeName(arg)
	}
	attrs := make(map[string]string)
	for _, pair := range strings.Split(arg, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return pciaddr.Address{}, &pciaddr.MalformedAddressError{Input: arg, Reason: fmt.Sprintf("expected key=value, got %q", pair)}
		}
		attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return pciaddr.FromAttrs(attrs)
}

func printAddr(w io.Writer, addr pciaddr.Address, converted string) {
	if !addrAttrs {
		fmt.Fprintln(w, converted)
		return
	}
	attrs := addr.Attrs()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+attrs[k])
	}
	fmt.Fprintln(w, converted, strings.Join(pairs, ","))
}
