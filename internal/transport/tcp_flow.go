package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/cancelable"
	"github.com/flowkit-dev/tlsflow/internal/flowstate"
	"github.com/flowkit-dev/tlsflow/internal/resolver"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/utils"
)

// TCPFlow is the concrete inner transport Flow implementation over a raw
// TCP net.Conn, grounded on the teacher's net.Dial-based connection setup
// in pkg/core/proxy/proxy.go, generalised into the suspend/resume Flow
// contract spec.md §4.4/§6 requires of a "next hop".
type TCPFlow struct {
	logger     *zap.Logger
	resolver   *resolver.Resolver
	loop       *runloop.Loop
	state      *flowstate.Machine
	dialer     net.Dialer
	preference session.Preference

	conn net.Conn

	readCancel  cancelable.Cancelable
	writeCancel cancelable.Cancelable
}

// NewTCPFlow builds a TCPFlow. loop is shared with the caller (typically
// the owning TLSDataFlow's runloop) so completions are delivered on the
// same single-threaded scheduler. preference governs which address family
// the resolver prefers when endpoint.Addresses isn't already populated.
func NewTCPFlow(logger *zap.Logger, res *resolver.Resolver, loop *runloop.Loop, preference session.Preference) *TCPFlow {
	return &TCPFlow{
		logger:     logger,
		resolver:   res,
		loop:       loop,
		preference: preference,
		state:      flowstate.New(),
	}
}

func (f *TCPFlow) StateMachine() *flowstate.Machine { return f.state }
func (f *TCPFlow) GetRunloop() *runloop.Loop        { return f.loop }

// Connect resolves endpoint.Host (unless addresses are already populated)
// and dials the first address; the remaining addresses are not tried.
func (f *TCPFlow) Connect(endpoint session.Endpoint, handler ConnectHandler) cancelable.Cancelable {
	if err := f.state.ConnectBegin(); err != nil {
		panic(err)
	}

	c := cancelable.New()

	dial := func(addr string) {
		go func() {
			defer utils.Recover(f.logger)
			conn, err := f.dialer.DialContext(context.Background(), "tcp", addr)
			f.loop.Post(func() {
				if c.Canceled() {
					if conn != nil {
						_ = conn.Close()
					}
					return
				}
				if err != nil {
					f.state.Errored()
					handler(err)
					return
				}
				f.conn = conn
				if connErr := f.state.Connected(); connErr != nil {
					utils.LogError(f.logger, connErr, "tcp flow: unexpected state on connect")
				}
				handler(nil)
			})
		}()
	}

	if len(endpoint.Addresses) > 0 {
		dial(net.JoinHostPort(endpoint.Addresses[0], fmt.Sprint(endpoint.Port)))
		return c
	}

	f.resolver.Resolve(context.Background(), endpoint.Host, f.preference, f.loop, func(addrs []string, err error) {
		if c.Canceled() {
			return
		}
		if err != nil {
			f.state.Errored()
			handler(err)
			return
		}
		dial(net.JoinHostPort(addrs[0], fmt.Sprint(endpoint.Port)))
	})

	return c
}

// Read issues at most one outstanding inner read; at most 32KiB per call.
func (f *TCPFlow) Read(_ []byte, handler ReadHandler) cancelable.Cancelable {
	if err := f.state.ReadBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	f.readCancel = c

	go func() {
		defer utils.Recover(f.logger)
		buf := make([]byte, 32*1024)
		n, err := f.conn.Read(buf)
		f.loop.Post(func() {
			if c.Canceled() {
				return
			}
			if rerr := f.state.ReadEnd(); rerr != nil {
				utils.LogError(f.logger, rerr, "tcp flow: unexpected state on read completion")
			}
			if err != nil {
				handler(nil, err)
				return
			}
			handler(buf[:n], nil)
		})
	}()

	return c
}

// Write issues at most one outstanding inner write.
func (f *TCPFlow) Write(buf []byte, handler WriteHandler) cancelable.Cancelable {
	if err := f.state.WriteBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	f.writeCancel = c

	go func() {
		defer utils.Recover(f.logger)
		_, err := f.conn.Write(buf)
		f.loop.Post(func() {
			if c.Canceled() {
				return
			}
			if werr := f.state.WriteEnd(); werr != nil {
				utils.LogError(f.logger, werr, "tcp flow: unexpected state on write completion")
			}
			handler(err)
		})
	}()

	return c
}

// Close cancels any outstanding operations and closes the underlying conn.
func (f *TCPFlow) Close() error {
	f.readCancel.Cancel()
	f.writeCancel.Cancel()
	f.state.Close()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// SetDeadline is a convenience passthrough used by callers that want idle
// timeouts; not part of the Flow contract (spec.md §5: timeouts are an
// outer-layer concern).
func (f *TCPFlow) SetDeadline(t time.Time) error {
	if f.conn == nil {
		return nil
	}
	return f.conn.SetDeadline(t)
}
