// Package transport defines the inner data-flow contract TlsDataFlow
// drives (spec.md §4.4/§6 "inner data-flow"), plus a concrete TCP-backed
// implementation.
package transport

import (
	"github.com/flowkit-dev/tlsflow/internal/cancelable"
	"github.com/flowkit-dev/tlsflow/internal/flowstate"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
)

// ConnectHandler is invoked exactly once per Connect call, unless canceled.
type ConnectHandler func(err error)

// ReadHandler is invoked exactly once per Read call, unless canceled. buf
// is only valid for the duration of the call.
type ReadHandler func(buf []byte, err error)

// WriteHandler is invoked exactly once per Write call, unless canceled.
type WriteHandler func(err error)

// Flow is the byte-stream stage contract shared by the inner transport and
// (from the upstream side) by TLSDataFlow itself — same shape, ciphertext
// on one side of the TLS boundary, plaintext on the other.
type Flow interface {
	Connect(endpoint session.Endpoint, handler ConnectHandler) cancelable.Cancelable
	Read(hint []byte, handler ReadHandler) cancelable.Cancelable
	Write(buf []byte, handler WriteHandler) cancelable.Cancelable
	StateMachine() *flowstate.Machine
	GetRunloop() *runloop.Loop
}
