package dataflow

import (
	"sync"

	"github.com/flowkit-dev/tlsflow/internal/cancelable"
	"github.com/flowkit-dev/tlsflow/internal/flowstate"
	"github.com/flowkit-dev/tlsflow/internal/runloop"
	"github.com/flowkit-dev/tlsflow/internal/session"
	"github.com/flowkit-dev/tlsflow/internal/transport"
	"github.com/flowkit-dev/tlsflow/internal/tunnel"
)

// mockFlow is a scripted inner transport.Flow: every Connect/Read/Write
// completion is delivered through loop.Post, mirroring a real Flow's
// suspend/resume shape without any actual I/O.
type mockFlow struct {
	loop  *runloop.Loop
	state *flowstate.Machine

	connectErr error

	mu         sync.Mutex
	writes     [][]byte
	writeErrAt map[int]error

	reads    [][]byte
	readErrs map[int]error
	readIdx  int
}

func newMockFlow(loop *runloop.Loop) *mockFlow {
	return &mockFlow{
		loop:       loop,
		state:      flowstate.New(),
		writeErrAt: map[int]error{},
		readErrs:   map[int]error{},
	}
}

func (m *mockFlow) Connect(_ session.Endpoint, handler transport.ConnectHandler) cancelable.Cancelable {
	if err := m.state.ConnectBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	m.loop.Post(func() {
		if c.Canceled() {
			return
		}
		if m.connectErr != nil {
			m.state.Errored()
			handler(m.connectErr)
			return
		}
		if serr := m.state.Connected(); serr != nil {
			panic(serr)
		}
		handler(nil)
	})
	return c
}

func (m *mockFlow) Read(_ []byte, handler transport.ReadHandler) cancelable.Cancelable {
	if err := m.state.ReadBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	idx := m.readIdx
	m.readIdx++
	m.loop.Post(func() {
		if c.Canceled() {
			return
		}
		if serr := m.state.ReadEnd(); serr != nil {
			panic(serr)
		}
		if err, ok := m.readErrs[idx]; ok {
			handler(nil, err)
			return
		}
		var buf []byte
		if idx < len(m.reads) {
			buf = m.reads[idx]
		}
		handler(buf, nil)
	})
	return c
}

func (m *mockFlow) Write(buf []byte, handler transport.WriteHandler) cancelable.Cancelable {
	if err := m.state.WriteBegin(); err != nil {
		panic(err)
	}
	c := cancelable.New()
	m.mu.Lock()
	idx := len(m.writes)
	m.writes = append(m.writes, append([]byte(nil), buf...))
	m.mu.Unlock()
	m.loop.Post(func() {
		if c.Canceled() {
			return
		}
		if serr := m.state.WriteEnd(); serr != nil {
			panic(serr)
		}
		if err, ok := m.writeErrAt[idx]; ok {
			handler(err)
			return
		}
		handler(nil)
	})
	return c
}

func (m *mockFlow) StateMachine() *flowstate.Machine { return m.state }
func (m *mockFlow) GetRunloop() *runloop.Loop        { return m.loop }
func (m *mockFlow) Close() error                     { return nil }

func (m *mockFlow) recordedWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

// handshakeStep is one scripted HandShake() response: the result to return
// and the ciphertext (if any) to make available via ReadCipherTextData
// immediately after.
type handshakeStep struct {
	result tunnel.HandshakeResult
	cipher []byte
	err    error
}

// scriptTunnel is a scripted tunnel.Tunnel. Handshake steps are consumed in
// order; post-handshake record processing is driven by the encode/decode
// functions, matching a tunnel whose cipher is a deterministic byte
// transform rather than real TLS.
type scriptTunnel struct {
	mu sync.Mutex

	steps []handshakeStep
	step  int

	domain string

	outBuf   []byte
	plainOut []byte

	needInput bool
	errored   bool

	encode func([]byte) []byte
	decode func([]byte) []byte
}

func (s *scriptTunnel) SetDomain(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domain = host
}

func (s *scriptTunnel) HandShake() (tunnel.HandshakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step >= len(s.steps) {
		return tunnel.Success, nil
	}
	st := s.steps[s.step]
	s.step++
	if len(st.cipher) > 0 {
		s.outBuf = append(s.outBuf, st.cipher...)
		s.needInput = false
	} else if st.result == tunnel.WantIo {
		s.needInput = true
	}
	if st.result == tunnel.HandshakeError {
		s.errored = true
	}
	return st.result, st.err
}

func (s *scriptTunnel) ReadCipherTextData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outBuf) == 0 {
		return nil
	}
	out := s.outBuf
	s.outBuf = nil
	return out
}

func (s *scriptTunnel) WriteCipherTextData(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needInput = false
	if s.decode != nil {
		s.plainOut = append(s.plainOut, s.decode(buf)...)
	}
}

func (s *scriptTunnel) HasPlainTextDataToRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plainOut) > 0
}

func (s *scriptTunnel) ReadPlainTextData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.plainOut
	s.plainOut = nil
	return out
}

func (s *scriptTunnel) WritePlainTextData(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encode != nil {
		s.outBuf = append(s.outBuf, s.encode(buf)...)
	}
}

func (s *scriptTunnel) NeedCipherInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needInput
}

func (s *scriptTunnel) FinishWritingCipherData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outBuf) == 0
}

func (s *scriptTunnel) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

func (s *scriptTunnel) Close() error { return nil }

// rot1 is the toy "cipher" scenarios 2 and 3 script: shift every byte up
// (encode) or down (decode) by one, just enough to prove bytes flow through
// the tunnel boundary rather than being passed through untouched.
func rot1(shift int) func([]byte) []byte {
	return func(buf []byte) []byte {
		out := make([]byte, len(buf))
		for i, b := range buf {
			out[i] = byte(int(b) + shift)
		}
		return out
	}
}
