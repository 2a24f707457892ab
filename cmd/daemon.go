// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"firestige.xyz/magicreboot/internal/config"
	"firestige.xyz/magicreboot/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the magic packet listener in foreground",
	Long: `Run the magic packet listener in foreground.

The daemon will:
  1. Load configuration (flags > MAGIC_REBOOT_* env > config file > defaults)
  2. Load the 64-byte key
  3. Register the IPv4 hook (required) and the IPv6 hook (best effort)
  4. Restart the host when a matching packet arrives on the monitored port
  5. Handle SIGTERM and SIGINT for graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Flags())
	},
}

func init() {
	f := daemonCmd.Flags()
	f.IntP("port", "p", 999, "UDP destination port to monitor")
	f.StringP("key", "k", "", "path to the 64-byte magic key file")
	f.Bool("dry-run", false, "log matches instead of restarting")
	f.BoolP("verbose", "v", false, "log every datagram seen on the monitored port")
	f.Bool("strict-key", false, "reject key files longer than 64 bytes")
	f.StringP("interface", "i", "", "capture interface (default all)")
	f.String("backend", config.BackendPacket, "capture backend: packet | afpacket")
	f.String("trigger", config.TriggerSysRq, "restart method: sysrq | reboot")
	f.String("pidfile", "", "PID file path")
	f.String("log-level", "info", "log level: debug | info | warn | error")
}

func runDaemon(flags *pflag.FlagSet) error {
	cfg, err := config.Load(configFile, config.WithFlags(flags))
	if err != nil {
		return err
	}

	d := daemon.New(cfg)

	// Start all components
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
