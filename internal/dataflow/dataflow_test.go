package dataflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowkit-dev/tlsflow/internal/flowstate"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/tunnel"
)

func waitOn(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// connectedFlow wires a TLSDataFlow over the given tunnel and mock inner
// flow, drives it through Connect, and returns it once Established.
func connectedFlow(t *testing.T, loop *runloop.Loop, st *scriptTunnel, mf *mockFlow) *TLSDataFlow {
	t.Helper()
	f := New(zaptest.NewLogger(t), &session.Session{ServerName: "example.test"}, st, mf)

	done := make(chan struct{})
	var connectErr error
	loop.Post(func() {
		f.Connect(session.Endpoint{Host: "example.test", Port: 443}, func(err error) {
			connectErr = err
			close(done)
		})
	})
	waitOn(t, done)
	require.NoError(t, connectErr)
	require.Equal(t, flowstate.Established, f.StateMachine().Current())
	return f
}

func TestTLSDataFlow_HappyHandshake(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{steps: []handshakeStep{
		{result: tunnel.WantIo, cipher: []byte("CH")},
		{result: tunnel.WantIo, cipher: []byte("CKE")},
		{result: tunnel.Success},
	}}
	mf := newMockFlow(loop)

	f := connectedFlow(t, loop, st, mf)
	_ = f

	require.Equal(t, [][]byte{[]byte("CH"), []byte("CKE")}, mf.recordedWrites())
}

func TestTLSDataFlow_PlaintextEcho(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{
		steps:  []handshakeStep{{result: tunnel.Success}},
		encode: rot1(1),
		decode: rot1(-1),
	}
	mf := newMockFlow(loop)
	f := connectedFlow(t, loop, st, mf)

	done := make(chan struct{})
	var writeErr error
	loop.Post(func() {
		f.Write([]byte("hello"), func(err error) {
			writeErr = err
			close(done)
		})
	})
	waitOn(t, done)

	require.NoError(t, writeErr)
	writes := mf.recordedWrites()
	require.Len(t, writes, 1)
	require.Equal(t, "ifmmp", string(writes[0]))
}

func TestTLSDataFlow_IncomingReadWithPendingCipher(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{
		steps:     []handshakeStep{{result: tunnel.Success}},
		encode:    rot1(1),
		decode:    rot1(-1),
		needInput: true,
	}
	mf := newMockFlow(loop)
	mf.reads = [][]byte{[]byte("ifmmp")}
	f := connectedFlow(t, loop, st, mf)

	done := make(chan struct{})
	var gotBuf []byte
	var gotErr error
	var deliveredInline = true
	loop.Post(func() {
		f.Read(nil, func(buf []byte, err error) {
			gotBuf, gotErr = buf, err
			deliveredInline = false
			close(done)
		})
		// Still inside the same runloop turn as the Read call: per the
		// post-discipline invariant the handler must not have run yet.
		require.True(t, deliveredInline)
	})
	waitOn(t, done)

	require.NoError(t, gotErr)
	require.Equal(t, "hello", string(gotBuf))
}

func TestTLSDataFlow_CancelDuringHandshake(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{steps: []handshakeStep{
		{result: tunnel.WantIo}, // no cipher to write: drives an inner read
		{result: tunnel.Success},
	}}
	mf := newMockFlow(loop)
	// No scripted read response queued: Read will deliver a zero-value nil
	// buffer with no error once the cancel has already fired, proving the
	// completion is absorbed rather than touching destroyed state.

	f := New(logger, &session.Session{ServerName: "example.test"}, st, mf)

	tok := connectAndCancelImmediately(loop, f)

	// Give the scripted inner read a chance to complete; a panic or data
	// race here would mean the completion touched state after Close.
	time.Sleep(100 * time.Millisecond)
	require.True(t, tok.Canceled())
}

// connectAndCancelImmediately arms Connect then cancels the flow before the
// inner read issued during WantIo handling can complete, exercising
// scenario 4 (cancel during handshake).
func connectAndCancelImmediately(loop *runloop.Loop, f *TLSDataFlow) interface{ Canceled() bool } {
	done := make(chan struct{})
	var tok interface{ Canceled() bool }
	loop.Post(func() {
		tok = f.Connect(session.Endpoint{Host: "example.test", Port: 443}, func(error) {
			panic("connect handler must not fire after cancel")
		})
		// Queued behind the inner connect completion, which runs the first
		// HandShake step (WantIo) and issues the inner read; the read's own
		// completion is queued behind this closure.
		loop.Post(func() {
			f.Close()
			close(done)
		})
	})
	<-done
	return tok
}

func TestTLSDataFlow_InnerWriteErrorPropagatesToPendingWrite(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{
		steps:  []handshakeStep{{result: tunnel.Success}},
		encode: rot1(1),
		decode: rot1(-1),
	}
	mf := newMockFlow(loop)
	f := connectedFlow(t, loop, st, mf)

	connReset := errors.New("connection reset by peer")
	mf.writeErrAt[0] = connReset

	done := make(chan struct{})
	var writeErr error
	loop.Post(func() {
		f.Write([]byte("x"), func(err error) {
			writeErr = err
			close(done)
		})
	})
	waitOn(t, done)
	require.ErrorIs(t, writeErr, connReset)
	require.True(t, f.errorReported)

	// error_reported has latched: a later user Read is a caller error, per
	// the policy that at most one error is ever surfaced to the user.
	paniced := make(chan struct{})
	loop.Post(func() {
		defer func() {
			require.NotNil(t, recover())
			close(paniced)
		}()
		f.Read(nil, func([]byte, error) {})
	})
	waitOn(t, paniced)
}

func TestTLSDataFlow_InnerReadErrorWithNoUserReadLatchesPendingError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := runloop.New(logger)
	defer loop.Stop()

	st := &scriptTunnel{
		steps:     []handshakeStep{{result: tunnel.Success}},
		encode:    rot1(1),
		decode:    rot1(-1),
		needInput: true,
	}
	mf := newMockFlow(loop)
	connReset := errors.New("connection reset by peer")
	mf.readErrs[0] = connReset

	f := connectedFlow(t, loop, st, mf)

	// The Process call that follows handshake completion already issued
	// the inner read (NeedCipherInput), and it failed with no user read
	// armed. Kick Process once more: with no handler to take it, the error
	// must stay latched as pending.
	kicked := make(chan struct{})
	loop.Post(func() {
		f.Process()
		close(kicked)
	})
	waitOn(t, kicked)

	time.Sleep(50 * time.Millisecond)

	readDone := make(chan struct{})
	var readErr error
	loop.Post(func() {
		f.Read(nil, func(_ []byte, err error) {
			readErr = err
			close(readDone)
		})
	})
	waitOn(t, readDone)

	require.ErrorIs(t, readErr, connReset)
	require.True(t, f.errorReported)
}
