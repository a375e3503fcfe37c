package tunnel

import (
	"net"
	"time"
)

// duplexPipe adapts a CryptoTunnel's internal ciphertext queues to the
// net.Conn interface crypto/tls.Client expects as its transport. All the
// real buffering/blocking logic lives on CryptoTunnel itself (pipeRead/
// pipeWrite/pipeClose); this type only forwards.
type duplexPipe struct {
	t *CryptoTunnel
}

func (p *duplexPipe) Read(b []byte) (int, error)  { return p.t.pipeRead(b) }
func (p *duplexPipe) Write(b []byte) (int, error) { return p.t.pipeWrite(b) }
func (p *duplexPipe) Close() error                { return p.t.pipeClose() }

func (p *duplexPipe) LocalAddr() net.Addr  { return pipeAddr{} }
func (p *duplexPipe) RemoteAddr() net.Addr { return pipeAddr{} }

// Deadlines are not supported: per spec.md §5, timeouts are imposed by
// outer layers, not this engine.
func (p *duplexPipe) SetDeadline(time.Time) error      { return nil }
func (p *duplexPipe) SetReadDeadline(time.Time) error  { return nil }
func (p *duplexPipe) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "tunnel" }
func (pipeAddr) String() string  { return "tunnel-pipe" }
