// Package dataflow implements TlsDataFlow: the adapter that sits between a
// plaintext-speaking caller and a ciphertext-speaking inner transport.Flow,
// driving a tunnel.Tunnel through handshake and steady-state record
// processing. It is the subject the rest of this module exists to support.
package dataflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/cancelable"
	"github.com/flowkit-dev/tlsflow/internal/flowstate"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/transport"
	"github.com/flowkit-dev/tlsflow/internal/tunnel"
	"github.com/flowkit-dev/tlsflow/internal/utils"
)

// DataType identifies the shape of data a Flow carries upward. TLSDataFlow
// always reports Stream; the field exists so callers that branch on flow
// kind don't need a type switch.
type DataType int

const (
	Stream DataType = iota
)

func (d DataType) String() string {
	if d == Stream {
		return "Stream"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// notifier is implemented by Tunnel backends whose progress isn't entirely
// synchronous with the calls TLSDataFlow makes into them (crypto_tunnel's
// CryptoTunnel being the motivating case: decryption happens on a
// background goroutine). TLSDataFlow type-asserts for it; a Tunnel that
// doesn't implement it only ever makes progress inside calls this flow
// itself initiates, which is all Process relies on.
type notifier interface {
	Notify() <-chan struct{}
}

// TLSDataFlow composes a tunnel.Tunnel and an inner transport.Flow and
// exposes the same Connect/Read/Write/state-machine contract upward, over
// plaintext instead of ciphertext.
type TLSDataFlow struct {
	logger *zap.Logger

	tunnel tunnel.Tunnel
	next   transport.Flow
	state  *flowstate.Machine

	sess     *session.Session
	endpoint session.Endpoint

	connectHandler transport.ConnectHandler
	readHandler    transport.ReadHandler
	writeHandler   transport.WriteHandler

	connectCancel    cancelable.Cancelable
	readCancel       cancelable.Cancelable
	writeCancel      cancelable.Cancelable
	innerReadCancel  cancelable.Cancelable
	innerWriteCancel cancelable.Cancelable

	pendingError             error
	pendingErrorTryReadFirst bool
	errorReported            bool

	closed bool

	// notifyDone is closed once bridgeNotify's goroutine has returned (or
	// immediately, in New, if the tunnel never started one). Close waits
	// on it so it never returns before the last Post bridgeNotify might
	// issue has actually been enqueued — a caller that stops the runloop
	// right after Close returns must never race that Post against it.
	notifyDone chan struct{}
}

// New builds a TLSDataFlow over an already-constructed tunnel and inner
// flow. The tunnel and the inner flow become exclusively owned by the
// returned flow.
func New(logger *zap.Logger, sess *session.Session, t tunnel.Tunnel, next transport.Flow) *TLSDataFlow {
	f := &TLSDataFlow{
		logger:     logger,
		tunnel:     t,
		next:       next,
		state:      flowstate.New(),
		sess:       sess,
		notifyDone: make(chan struct{}),
	}
	if n, ok := t.(notifier); ok {
		go f.bridgeNotify(n.Notify())
	} else {
		close(f.notifyDone)
	}
	return f
}

// bridgeNotify re-enters Process whenever the tunnel makes progress that
// wasn't driven by a call this flow made directly — necessary because a
// synchronous-engine assumption doesn't hold for a goroutine-backed tunnel.
// It runs until ch is closed (the tunnel closing), then closes notifyDone
// so Close can wait for its last Post, if any, to have been issued before
// Close itself returns.
func (f *TLSDataFlow) bridgeNotify(ch <-chan struct{}) {
	defer close(f.notifyDone)
	for range ch {
		f.GetRunloop().Post(func() {
			if f.closed {
				return
			}
			f.Process()
		})
	}
}

func (f *TLSDataFlow) StateMachine() *flowstate.Machine { return f.state }
func (f *TLSDataFlow) NextHop() transport.Flow          { return f.next }
func (f *TLSDataFlow) ConnectingTo() session.Endpoint   { return f.endpoint }
func (f *TLSDataFlow) Session() *session.Session        { return f.sess }
func (f *TLSDataFlow) FlowDataType() DataType           { return Stream }
func (f *TLSDataFlow) GetRunloop() *runloop.Loop        { return f.next.GetRunloop() }

// Connect dials endpoint on the inner flow, then drives the tunnel
// handshake to completion. handler fires exactly once: with nil once the
// handshake reaches Established, or with the connect/handshake error.
func (f *TLSDataFlow) Connect(endpoint session.Endpoint, handler transport.ConnectHandler) cancelable.Cancelable {
	if err := f.state.ConnectBegin(); err != nil {
		panic(err)
	}
	f.endpoint = endpoint
	f.connectHandler = handler
	c := cancelable.New()
	f.connectCancel = c

	f.next.Connect(endpoint, func(err error) {
		if c.Canceled() {
			return
		}
		if err != nil {
			f.state.Errored()
			f.finishConnect(c, err)
			return
		}
		f.tunnel.SetDomain(f.sess.ServerName)
		f.driveHandshake(c)
	})
	return c
}

func (f *TLSDataFlow) finishConnect(c cancelable.Cancelable, err error) {
	h := f.connectHandler
	f.connectHandler = nil
	if h == nil {
		return
	}
	f.GetRunloop().Post(func() {
		if c.Canceled() {
			return
		}
		h(err)
	})
}

// driveHandshake implements the handshake protocol: call HandShake, drain
// any produced ciphertext downward, feed any read ciphertext upward, and
// repeat until the tunnel reports Success or Error.
func (f *TLSDataFlow) driveHandshake(c cancelable.Cancelable) {
	if c.Canceled() {
		return
	}
	res, err := f.tunnel.HandShake()
	switch res {
	case tunnel.Success:
		if out := f.tunnel.ReadCipherTextData(); len(out) > 0 {
			f.next.Write(out, func(werr error) {
				if c.Canceled() {
					return
				}
				if werr != nil {
					f.state.Errored()
					f.finishConnect(c, werr)
					return
				}
				f.driveHandshake(c)
			})
			return
		}
		if serr := f.state.Connected(); serr != nil {
			utils.LogError(f.logger, serr, "tls data flow: unexpected state on handshake completion")
		}
		f.finishConnect(c, nil)
		f.Process()

	case tunnel.WantIo:
		if out := f.tunnel.ReadCipherTextData(); len(out) > 0 {
			f.next.Write(out, func(werr error) {
				if c.Canceled() {
					return
				}
				if werr != nil {
					f.state.Errored()
					f.finishConnect(c, werr)
					return
				}
				f.driveHandshake(c)
			})
			return
		}
		f.next.Read(nil, func(buf []byte, rerr error) {
			if c.Canceled() {
				return
			}
			if rerr != nil {
				f.state.Errored()
				f.finishConnect(c, rerr)
				return
			}
			f.tunnel.WriteCipherTextData(buf)
			if f.tunnel.Errored() {
				f.state.Errored()
				f.finishConnect(c, fmt.Errorf("%w: tunnel failed after feeding ciphertext", ErrTLSProtocol))
				return
			}
			f.driveHandshake(c)
		})

	case tunnel.HandshakeError:
		f.state.Errored()
		if err == nil {
			err = ErrTLSProtocol
		}
		f.finishConnect(c, fmt.Errorf("%w: %v", ErrTLSProtocol, err))
	}
}

// Read arms the single outstanding user read. handler fires once plaintext
// is available, with at least one byte, or with an error.
func (f *TLSDataFlow) Read(_ []byte, handler transport.ReadHandler) cancelable.Cancelable {
	if f.errorReported {
		panic("dataflow: Read called after an error was already reported")
	}
	if err := f.state.ReadBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	f.readCancel = c
	f.readHandler = handler
	f.Process()
	return c
}

// Write arms the single outstanding user write and queues buf with the
// tunnel to be encrypted. handler fires once the ciphertext has been fully
// handed to the inner flow's write, or with an error.
func (f *TLSDataFlow) Write(buf []byte, handler transport.WriteHandler) cancelable.Cancelable {
	if f.errorReported {
		panic("dataflow: Write called after an error was already reported")
	}
	if err := f.state.WriteBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	f.writeCancel = c
	f.writeHandler = handler
	f.tunnel.WritePlainTextData(buf)
	f.Process()
	return c
}

// CloseWrite signals no further plaintext will be written. The tunnel
// contract this flow consumes has no half-close operation, so this remains
// a placeholder: it neither invokes handler nor initiates a TLS-level
// shutdown, and simply returns the current write cancelable.
func (f *TLSDataFlow) CloseWrite(_ transport.WriteHandler) cancelable.Cancelable {
	return f.writeCancel
}

// Close destroys the flow: every outstanding cancelable is canceled so
// in-flight inner completions observe cancellation and return without
// touching flow state, then the tunnel and inner flow are torn down. It
// blocks until bridgeNotify (if the tunnel ever started one) has fully
// exited, so a caller that stops its runloop right after Close returns
// can never race that against a trailing Post.
func (f *TLSDataFlow) Close() error {
	f.connectCancel.Cancel()
	f.readCancel.Cancel()
	f.writeCancel.Cancel()
	f.innerReadCancel.Cancel()
	f.innerWriteCancel.Cancel()
	f.closed = true
	f.state.Close()

	tunnelErr := f.tunnel.Close()
	<-f.notifyDone
	var nextErr error
	if closer, ok := f.next.(interface{ Close() error }); ok {
		nextErr = closer.Close()
	}
	if tunnelErr != nil {
		return tunnelErr
	}
	return nextErr
}
