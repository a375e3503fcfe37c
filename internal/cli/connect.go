package cli

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowkit-dev/tlsflow/internal/config"
	"github.com/flowkit-dev/tlsflow/internal/dataflow"
	"github.com/flowkit-dev/tlsflow/internal/resolver"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/transport"
	"github.com/flowkit-dev/tlsflow/internal/tunnel"
	"github.com/flowkit-dev/tlsflow/internal/utils"
)

// newConnectCommand builds the "connect" subcommand: dial host:port, run
// the TLS handshake, then pump stdin to the connection and the
// connection to stdout until either side closes.
func newConnectCommand(bootLogger *zap.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect host:port",
		Short: "Connect to a TLS endpoint and exchange data over stdin/stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseHostPort(args[0])
			if err != nil {
				return fmt.Errorf("cli: %w", err)
			}
			v.Set("host", host)
			v.Set("port", port)
			if err := bindDuration(v, "dial-timeout", "dialTimeoutMs"); err != nil {
				return err
			}
			if err := bindDuration(v, "resolver-timeout", "resolverTimeoutMs"); err != nil {
				return err
			}
			v.Set("resolverServers", v.GetStringSlice("resolver-server"))
			v.Set("serverName", v.GetString("server-name"))
			v.Set("insecureSkip", v.GetBool("insecure-skip-verify"))
			v.Set("logLevel", v.GetString("log-level"))
			v.Set("disableAnsi", v.GetBool("disable-ansi"))

			cfg, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return err
			}

			logger, err := utils.NewLogger(cfg.LogLevel, cfg.DisableANSI)
			if err != nil {
				utils.LogError(bootLogger, err, "cli: falling back to bootstrap logger")
				logger = bootLogger
			}
			defer logger.Sync() //nolint:errcheck

			return runConnect(cmd.Context(), logger, cfg, os.Stdin, os.Stdout)
		},
	}
	return cmd
}

func parseHostPort(arg string) (string, uint32, error) {
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port %q: %w", arg, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", arg, err)
	}
	return host, uint32(port), nil
}

// runConnect builds the flow stack described in SPEC_FULL.md §4.7 — a
// Resolver, a TCPFlow, a CryptoTunnel and a TLSDataFlow layered on top —
// connects, then relays in from in to the flow and out from the flow to
// out until EOF, cancellation or an error on either side.
func runConnect(ctx context.Context, logger *zap.Logger, cfg *config.Config, in, out *os.File) error {
	preference, err := session.ParsePreference(cfg.Preference)
	if err != nil {
		return err
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.Host
	}

	loop := runloop.New(logger)
	// flow.Close() (called below before this function returns) blocks
	// until the tunnel's notify-bridge goroutine has fully exited, so
	// Stop() here never races a trailing Post against the closed queue.
	defer loop.Stop()

	res := resolver.New(cfg.ResolverServers, cfg.ResolverTimeout(), logger)
	next := transport.NewTCPFlow(logger, res, loop, preference)
	tun := tunnel.NewCryptoTunnel(&tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkip,
	})

	sess := &session.Session{
		ID:            uuid.NewString(),
		ServerName:    serverName,
		Preference:    preference,
		InsecureSkip:  cfg.InsecureSkip,
		DialTimeoutMS: cfg.DialTimeoutMS,
	}
	flow := dataflow.New(logger, sess, tun, next)

	connectDone := make(chan error, 1)
	loop.Post(func() {
		flow.Connect(session.Endpoint{Host: cfg.Host, Port: uint16(cfg.Port)}, func(err error) {
			connectDone <- err
		})
	})

	select {
	case err := <-connectDone:
		if err != nil {
			flow.Close()
			return fmt.Errorf("cli: connect failed: %w", err)
		}
	case <-ctx.Done():
		flow.Close()
		return ctx.Err()
	}
	logger.Info("connected", zap.String("server", sess.ServerName), zap.String("session", sess.ID))

	// stop is closed the moment either pump finishes, so the other side
	// never arms a Read/Write against a flow that has already latched an
	// error — doing so is a usage error the flow panics on.
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer closeStop()
		return pumpStdinToFlow(gctx, stop, loop, flow, in)
	})
	g.Go(func() error {
		defer closeStop()
		return pumpFlowToStdout(gctx, stop, loop, flow, out)
	})

	err = g.Wait()
	if closeErr := flow.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// pumpStdinToFlow reads from in and writes each chunk to flow until EOF,
// ctx cancellation, or stop closing (the other pump finished first).
func pumpStdinToFlow(ctx context.Context, stop <-chan struct{}, loop *runloop.Loop, flow *dataflow.TLSDataFlow, in *os.File) error {
	r := bufio.NewReader(in)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			select {
			case <-stop:
				return nil
			default:
			}
			chunk := append([]byte(nil), buf[:n]...)
			done := make(chan error, 1)
			loop.Post(func() {
				flow.Write(chunk, func(werr error) { done <- werr })
			})
			select {
			case werr := <-done:
				if werr != nil {
					return fmt.Errorf("cli: write: %w", werr)
				}
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return nil
			}
		}
		if rerr != nil {
			return nil
		}
	}
}

// pumpFlowToStdout reads plaintext from flow and writes it to out until
// the flow reports an error (including a clean peer close), ctx
// cancellation, or stop closing.
func pumpFlowToStdout(ctx context.Context, stop <-chan struct{}, loop *runloop.Loop, flow *dataflow.TLSDataFlow, out *os.File) error {
	for {
		type result struct {
			buf []byte
			err error
		}
		select {
		case <-stop:
			return nil
		default:
		}
		done := make(chan result, 1)
		loop.Post(func() {
			flow.Read(nil, func(buf []byte, err error) { done <- result{buf, err} })
		})
		select {
		case r := <-done:
			if len(r.buf) > 0 {
				if _, werr := out.Write(r.buf); werr != nil {
					return fmt.Errorf("cli: stdout write: %w", werr)
				}
			}
			if r.err != nil {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		}
	}
}
