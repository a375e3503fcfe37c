package tunnel

import (
	"context"
	"crypto/tls"
	"io"
	"sync"
)

// CryptoTunnel is the concrete Tunnel implementation described in
// SPEC_FULL.md §9: a real client-side crypto/tls handshake and record
// layer, decoupled from network timing by an in-memory duplexPipe and
// driven on background goroutines so the synchronous, poll-style Tunnel
// contract can be satisfied without blocking the caller.
type CryptoTunnel struct {
	mu   sync.Mutex
	cond *sync.Cond

	// gen increments on every engine-observable transition: new
	// ciphertext output, a new "blocked waiting for ciphertext input"
	// episode, or handshake completion/failure. HandShake's wait loop
	// blocks until gen advances past the value it saw on entry, and
	// returns at once when ciphertext output is already queued or the
	// engine is already waiting for input, so a transition that happened
	// between two HandShake calls is not missed.
	gen int

	// notify carries the same transitions to a driver that isn't sitting
	// inside a blocking HandShake call — the steady-state case, where
	// decryption happens on runReader's goroutine with no synchronous
	// caller to wake up. Buffered 1 and best-effort: a dropped send just
	// means a reader that's about to check gen anyway. Lets the Tunnel's
	// one required synchronous method (HandShake) coexist with a
	// goroutine-backed engine without forcing every caller to poll.
	notify chan struct{}

	// notifyClosed guards notify against a send-after-close: advance()
	// checks it under t.mu before attempting a send, and Close sets it
	// (and closes notify) under the same lock, so the two never race.
	notifyClosed bool

	cfg  *tls.Config
	conn *tls.Conn

	started bool
	closed  bool

	// ciphertext queues (duplexPipe's side)
	inBuf         []byte
	outBuf        []byte
	inClosed      bool
	blockedOnRead bool

	handshakeDone bool
	handshakeErr  error

	plainPending []byte // plaintext queued by WritePlainTextData, not yet consumed
	writerBusy   bool
	writeErr     error

	plainOut []byte // decrypted application data, ready for ReadPlainTextData
	readErr  error
}

// NewCryptoTunnel constructs a tunnel that will perform a client handshake
// using cfg once HandShake is first called. cfg is cloned so later
// mutation by the caller (besides SetDomain) has no effect.
func NewCryptoTunnel(cfg *tls.Config) *CryptoTunnel {
	t := &CryptoTunnel{cfg: cfg.Clone(), notify: make(chan struct{}, 1)}
	t.cond = sync.NewCond(&t.mu)
	t.conn = tls.Client(&duplexPipe{t: t}, t.cfg)
	return t
}

// Notify returns a channel that receives a best-effort signal on every
// engine-observable transition. A driver sitting outside a HandShake call
// (the post-handshake steady state) subscribes to this to learn when
// ReadCipherTextData, HasPlainTextDataToRead, NeedCipherInput or
// FinishWritingCipherData may have changed. Closed when the tunnel closes.
func (t *CryptoTunnel) Notify() <-chan struct{} { return t.notify }

// advance records a transition: bumps gen for HandShake's waiters and
// best-effort wakes any Notify subscriber.
func (t *CryptoTunnel) advance() {
	t.gen++
	t.cond.Broadcast()
	if t.notifyClosed {
		return
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// SetDomain sets SNI and the certificate-validation name. Must be called
// before the first HandShake call.
func (t *CryptoTunnel) SetDomain(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.ServerName = host
}

// HandShake advances the handshake and blocks only until the background
// handshake goroutine reaches its next observable state: new ciphertext
// produced, a need for more ciphertext input, completion, or failure.
func (t *CryptoTunnel) HandShake() (HandshakeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.started = true
		go t.runHandshake()
	}

	startGen := t.gen
	for t.gen == startGen && !t.handshakeDone && t.handshakeErr == nil &&
		len(t.outBuf) == 0 && !(t.blockedOnRead && len(t.inBuf) == 0) {
		t.cond.Wait()
	}

	switch {
	case t.handshakeErr != nil:
		return HandshakeError, t.handshakeErr
	case t.handshakeDone:
		return Success, nil
	default:
		return WantIo, nil
	}
}

func (t *CryptoTunnel) runHandshake() {
	err := t.conn.HandshakeContext(context.Background())

	t.mu.Lock()
	if err != nil {
		t.handshakeErr = err
		t.advance()
		t.mu.Unlock()
		return
	}
	t.handshakeDone = true
	t.advance()
	t.mu.Unlock()

	go t.runReader()
	go t.runWriter()
}

func (t *CryptoTunnel) runWriter() {
	for {
		t.mu.Lock()
		for len(t.plainPending) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		chunk := t.plainPending
		t.plainPending = nil
		t.writerBusy = true
		t.mu.Unlock()

		_, err := t.conn.Write(chunk)

		t.mu.Lock()
		t.writerBusy = false
		if err != nil {
			t.writeErr = err
			t.advance()
			t.mu.Unlock()
			return
		}
		t.advance()
		t.mu.Unlock()
	}
}

func (t *CryptoTunnel) runReader() {
	buf := make([]byte, 16384)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.plainOut = append(t.plainOut, buf[:n]...)
			t.advance()
			t.mu.Unlock()
		}
		if err != nil {
			t.mu.Lock()
			if err != io.EOF {
				t.readErr = err
			}
			t.advance()
			t.mu.Unlock()
			return
		}
	}
}

// pipeRead implements the transport side consumed by crypto/tls: it
// blocks until ciphertext has been fed via WriteCipherTextData, or the
// tunnel is closed.
func (t *CryptoTunnel) pipeRead(b []byte) (int, error) {
	t.mu.Lock()
	for len(t.inBuf) == 0 && !t.inClosed && !t.closed {
		t.blockedOnRead = true
		t.advance()
		t.cond.Wait()
	}
	t.blockedOnRead = false
	if len(t.inBuf) == 0 {
		t.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(b, t.inBuf)
	t.inBuf = t.inBuf[n:]
	t.mu.Unlock()
	return n, nil
}

func (t *CryptoTunnel) pipeWrite(b []byte) (int, error) {
	t.mu.Lock()
	t.outBuf = append(t.outBuf, b...)
	t.advance()
	t.mu.Unlock()
	return len(b), nil
}

func (t *CryptoTunnel) pipeClose() error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// ReadCipherTextData drains any pending outbound ciphertext.
func (t *CryptoTunnel) ReadCipherTextData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outBuf) == 0 {
		return nil
	}
	out := t.outBuf
	t.outBuf = nil
	return out
}

// WriteCipherTextData feeds inbound ciphertext into the engine.
func (t *CryptoTunnel) WriteCipherTextData(buf []byte) {
	t.mu.Lock()
	t.inBuf = append(t.inBuf, buf...)
	t.cond.Broadcast()
	t.mu.Unlock()
}

// HasPlainTextDataToRead reports whether decrypted plaintext is waiting.
func (t *CryptoTunnel) HasPlainTextDataToRead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.plainOut) > 0
}

// ReadPlainTextData drains decrypted plaintext produced so far.
func (t *CryptoTunnel) ReadPlainTextData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.plainOut) == 0 {
		return nil
	}
	out := t.plainOut
	t.plainOut = nil
	return out
}

// WritePlainTextData queues outbound plaintext to be ciphered.
func (t *CryptoTunnel) WritePlainTextData(buf []byte) {
	t.mu.Lock()
	t.plainPending = append(t.plainPending, buf...)
	t.cond.Broadcast()
	t.mu.Unlock()
}

// NeedCipherInput reports that the engine cannot make further progress
// without more inbound ciphertext.
func (t *CryptoTunnel) NeedCipherInput() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedOnRead && len(t.outBuf) == 0
}

// FinishWritingCipherData reports that all queued plaintext has been
// encrypted and its ciphertext fully drained.
func (t *CryptoTunnel) FinishWritingCipherData() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.plainPending) == 0 && !t.writerBusy && len(t.outBuf) == 0 && t.writeErr == nil
}

// Errored reports whether the engine is in a permanent failure state.
func (t *CryptoTunnel) Errored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshakeErr != nil || t.writeErr != nil || t.readErr != nil
}

// Close tears down the tunnel and its background goroutines.
func (t *CryptoTunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.notifyClosed = true
	close(t.notify)
	t.cond.Broadcast()
	t.mu.Unlock()
	return t.conn.Close()
}
