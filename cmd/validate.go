// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"firestige.xyz/magicreboot/internal/config"
	"firestige.xyz/magicreboot/internal/secret"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and key",
	Long: `Load the configuration and the key exactly as the daemon would, then print the
effective configuration and the key fingerprint without registering any hook.

Examples:
  magic-reboot validate
  magic-reboot validate -c /etc/magic-reboot/config.yml
  magic-reboot validate --key ./magic.key --strict-key`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(cmd.Flags(), cmd.OutOrStdout()); err != nil {
			exitWithError("INVALID", err)
		}
	},
}

func init() {
	addValidateFlags(validateCmd.Flags())
}

func addValidateFlags(f *pflag.FlagSet) {
	f.IntP("port", "p", 999, "UDP destination port to monitor")
	f.StringP("key", "k", "", "path to the 64-byte magic key file")
	f.Bool("dry-run", false, "log matches instead of restarting")
	f.Bool("strict-key", false, "reject key files longer than 64 bytes")
	f.String("backend", config.BackendPacket, "capture backend: packet | afpacket")
	f.String("trigger", config.TriggerSysRq, "restart method: sysrq | reboot")
}

func runValidate(flags *pflag.FlagSet, w io.Writer) error {
	cfg, err := config.Load(configFile, config.WithFlags(flags))
	if err != nil {
		return err
	}

	s, err := secret.Load(cfg.Key.Path, secret.WithStrictSize(cfg.Key.Strict))
	if err != nil {
		return err
	}
	defer s.Wipe()

	out, err := yaml.Marshal(map[string]*config.Config{"magic-reboot": cfg})
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	fmt.Fprintf(w, "%s", out)
	fmt.Fprintf(w, "VALID: key %s (fingerprint %s), port %d, mode %s\n",
		cfg.Key.Path, s.Fingerprint(), cfg.Port, cfg.Mode)
	return nil
}
