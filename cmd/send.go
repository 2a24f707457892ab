// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/magicreboot/internal/secret"
)

var sendCmd = &cobra.Command{
	Use:   "send TARGET",
	Short: "Send the magic packet to a remote machine",
	Long: `Send the 64-byte magic key as a single UDP datagram to TARGET.

TARGET is a hostname or an IPv4/IPv6 address. The socket family follows the resolved
address. No reply is expected.

Examples:
  magic-reboot send -k magic.key 192.0.2.10
  magic-reboot send -k - -p 999 host.example.org < magic.key
  magic-reboot send -k magic.key --dry-run 2001:db8::10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sendOpts.target = args[0]
		return runSend(sendOpts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

type sendOptions struct {
	target  string
	port    uint16
	keyPath string
	dryRun  bool
}

var sendOpts sendOptions

func init() {
	sendCmd.Flags().Uint16VarP(&sendOpts.port, "port", "p", 999, "target UDP port")
	sendCmd.Flags().StringVarP(&sendOpts.keyPath, "key", "k", "",
		"path to the 64-byte magic key file (use '-' for stdin)")
	sendCmd.Flags().BoolVar(&sendOpts.dryRun, "dry-run", false,
		"validate the key file without sending")
	_ = sendCmd.MarkFlagRequired("key")
}

func runSend(opts sendOptions, stdin io.Reader, w io.Writer) error {
	key, err := readSendKey(opts.keyPath, stdin)
	if err != nil {
		return err
	}
	s, err := secret.FromBytes(key, true)
	if err != nil {
		return fmt.Errorf("invalid key file: %w", err)
	}
	defer s.Wipe()
	defer clear(key)

	hostPort := net.JoinHostPort(opts.target, strconv.Itoa(int(opts.port)))

	if opts.dryRun {
		fmt.Fprintf(w, "Dry run mode - key file validated (%d bytes, fingerprint %s)\n", len(key), s.Fingerprint())
		fmt.Fprintf(w, "Would send to %s\n", hostPort)
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return fmt.Errorf("failed to resolve target address %s: %w", hostPort, err)
	}

	network := "udp6"
	if addr.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return fmt.Errorf("failed to open %s socket: %w", network, err)
	}
	defer conn.Close()

	n, err := conn.Write(key)
	if err != nil {
		return fmt.Errorf("failed to send magic packet to %s: %w", addr, err)
	}

	fmt.Fprintf(w, "Sent %d byte magic packet to %s\n", n, addr)
	fmt.Fprintln(w, "If the target machine has magic-reboot loaded, it should reboot now.")
	return nil
}

func readSendKey(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read key from stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	return b, nil
}
