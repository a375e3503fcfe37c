// Package cli wires the cobra command tree: a root command carrying the
// shared connection flags, bound to viper the way the teacher's
// cmdConfigurator does it, plus a single "connect" subcommand.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/utils"
)

const rootExamples = `
  # Connect to an HTTPS endpoint; stdin is sent to it and its replies go to stdout
  tlsflow connect example.com:443

  # Connect with a specific SNI name and skip certificate verification
  tlsflow connect 10.0.0.5:8443 --server-name example.com --insecure-skip-verify
`

// NewRootCommand builds the tlsflow command tree. v accumulates the bound
// flag values; Load(v, ...) turns them into a config.Config once a
// subcommand runs.
func NewRootCommand(logger *zap.Logger, v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "tlsflow",
		Short:        "A minimal TLS client data-flow adapter",
		Example:      rootExamples,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("server-name", "", "TLS server name for SNI and certificate validation; defaults to the connect host")
	flags.String("preference", "ipv4or6", "address family preference: ipv4only, ipv6only, ipv4or6, ipv6or4, any")
	flags.Bool("insecure-skip-verify", false, "skip TLS certificate verification")
	flags.Duration("dial-timeout", 10*time.Second, "dial timeout; stored in the session, the TCP dial itself does not apply it")
	flags.StringSlice("resolver-server", nil, "DNS server to query (host:port), may be repeated; defaults to the system resolver")
	flags.Duration("resolver-timeout", 5*time.Second, "DNS query timeout")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("disable-ansi", false, "disable ANSI colors in log output")
	flags.String("config", "", "path to a config file")

	if err := v.BindPFlags(flags); err != nil {
		utils.LogError(logger, err, "cli: failed to bind persistent flags")
	}

	root.AddCommand(newConnectCommand(logger, v))
	return root
}

// bindDuration turns a duration flag into the millisecond integer Config
// expects, so the human-friendly flag type drives Config's mapstructure
// field. viper may hand the bound value back either as a time.Duration or
// as the flag's string form (e.g. "10s"); both are accepted.
func bindDuration(v *viper.Viper, flagKey, cfgKey string) error {
	var d time.Duration
	switch val := v.Get(flagKey).(type) {
	case time.Duration:
		d = val
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("cli: flag %s did not bind to a duration: %w", flagKey, err)
		}
		d = parsed
	default:
		return fmt.Errorf("cli: flag %s did not bind to a duration", flagKey)
	}
	v.Set(cfgKey, d.Milliseconds())
	return nil
}
