// Package flowstate implements the small labelled state automaton that
// guards the legality of operation orderings on a data-flow stage.
package flowstate

import "fmt"

// State is one node of the flow's lifecycle.
type State int

const (
	Init State = iota
	Connecting
	Established
	Reading
	Writing
	ReadingWriting
	ReadClosed
	WriteClosed
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Connecting:
		return "Connecting"
	case Established:
		return "Established"
	case Reading:
		return "Reading"
	case Writing:
		return "Writing"
	case ReadingWriting:
		return "ReadingWriting"
	case ReadClosed:
		return "ReadClosed"
	case WriteClosed:
		return "WriteClosed"
	case Closed:
		return "Closed"
	case Errored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IllegalTransitionError reports a caller attempting an operation the
// current state does not permit. Per spec, this is a programmer error.
type IllegalTransitionError struct {
	From State
	Op   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("flowstate: illegal operation %q from state %s", e.Op, e.From)
}

// Machine is a small, non-reentrant state guard. It is not safe for
// concurrent use by multiple goroutines without external synchronisation;
// per spec.md §5 every flow instance executes on a single runloop thread.
type Machine struct {
	state   State
	reading bool
	writing bool
}

// New returns a Machine in the Init state.
func New() *Machine {
	return &Machine{state: Init}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.state }

// IsReading reports whether a read is currently in progress.
func (m *Machine) IsReading() bool { return m.reading }

// IsWriting reports whether a write is currently in progress.
func (m *Machine) IsWriting() bool { return m.writing }

// ConnectBegin transitions Init -> Connecting.
func (m *Machine) ConnectBegin() error {
	if m.state != Init {
		return &IllegalTransitionError{From: m.state, Op: "ConnectBegin"}
	}
	m.state = Connecting
	return nil
}

// Connected transitions Connecting -> Established.
func (m *Machine) Connected() error {
	if m.state != Connecting {
		return &IllegalTransitionError{From: m.state, Op: "Connected"}
	}
	m.state = Established
	return nil
}

// ReadBegin marks a read as outstanding, composing into ReadingWriting if a
// write is already in progress. Legal from Established, Writing, WriteClosed
// and the read-capable composite states.
func (m *Machine) ReadBegin() error {
	switch m.state {
	case Established, Writing, WriteClosed:
		m.reading = true
		m.state = m.compose()
		return nil
	default:
		return &IllegalTransitionError{From: m.state, Op: "ReadBegin"}
	}
}

// ReadEnd clears an outstanding read, decomposing back to the write-only
// or Established state.
func (m *Machine) ReadEnd() error {
	if !m.reading {
		return &IllegalTransitionError{From: m.state, Op: "ReadEnd"}
	}
	m.reading = false
	m.state = m.compose()
	return nil
}

// WriteBegin marks a write as outstanding; symmetric with ReadBegin.
func (m *Machine) WriteBegin() error {
	switch m.state {
	case Established, Reading, ReadClosed:
		m.writing = true
		m.state = m.compose()
		return nil
	default:
		return &IllegalTransitionError{From: m.state, Op: "WriteBegin"}
	}
}

// WriteEnd clears an outstanding write; symmetric with ReadEnd.
func (m *Machine) WriteEnd() error {
	if !m.writing {
		return &IllegalTransitionError{From: m.state, Op: "WriteEnd"}
	}
	m.writing = false
	m.state = m.compose()
	return nil
}

// compose recomputes the visible state from the reading/writing flags,
// preserving a half-closed side if one is set.
func (m *Machine) compose() State {
	switch {
	case m.state == ReadClosed:
		return ReadClosed
	case m.state == WriteClosed:
		return WriteClosed
	case m.reading && m.writing:
		return ReadingWriting
	case m.reading:
		return Reading
	case m.writing:
		return Writing
	default:
		return Established
	}
}

// Errored is a terminal transition with respect to data operations.
func (m *Machine) Errored() {
	m.state = Errored
	m.reading = false
	m.writing = false
}

// Close marks the flow fully closed.
func (m *Machine) Close() {
	m.state = Closed
	m.reading = false
	m.writing = false
}

// CloseRead marks the read half closed, preserving write-in-progress.
func (m *Machine) CloseRead() {
	m.reading = false
	if m.state == Errored || m.state == Closed {
		return
	}
	m.state = ReadClosed
}

// CloseWrite marks the write half closed, preserving read-in-progress.
func (m *Machine) CloseWrite() {
	m.writing = false
	if m.state == Errored || m.state == Closed {
		return
	}
	m.state = WriteClosed
}
