package dataflow

import (
	"go.uber.org/zap"

	"github.com/flowkit-dev/tlsflow/internal/cancelable"
)

// Process is the steady-state pump: it is re-entered after every user call
// and every inner read/write completion, and either surfaces a latched
// error, satisfies a pending user read/write, or issues the next inner I/O.
func (f *TLSDataFlow) Process() {
	if f.errorReported {
		return
	}
	if f.pendingError != nil {
		if f.deliverPendingError() {
			f.errorReported = true
		}
		return
	}
	f.tryRead()
	f.tryWrite()
}

// tryRead delivers buffered plaintext to a pending user read and, whether
// or not one was pending, issues an inner read if the tunnel still needs
// ciphertext to make progress.
func (f *TLSDataFlow) tryRead() {
	if f.readHandler != nil && f.tunnel.HasPlainTextDataToRead() {
		buf := f.tunnel.ReadPlainTextData()
		h := f.readHandler
		c := f.readCancel
		f.readHandler = nil
		if serr := f.state.ReadEnd(); serr != nil {
			f.logIllegal(serr)
		}
		f.GetRunloop().Post(func() {
			if c.Canceled() {
				return
			}
			h(buf, nil)
		})
		if f.tunnel.NeedCipherInput() {
			f.issueInnerRead()
		}
		return
	}
	if f.tunnel.NeedCipherInput() {
		f.issueInnerRead()
	}
}

func (f *TLSDataFlow) issueInnerRead() {
	if f.next.StateMachine().IsReading() {
		return
	}
	c := cancelable.New()
	f.innerReadCancel = c
	f.next.Read(nil, func(buf []byte, err error) {
		if c.Canceled() {
			return
		}
		if err != nil {
			f.ReportError(err, true)
			return
		}
		f.tunnel.WriteCipherTextData(buf)
		f.Process()
	})
}

// tryWrite completes a pending user write once the tunnel has finished
// encrypting and draining its ciphertext, otherwise keeps feeding
// ciphertext chunks to the inner flow.
func (f *TLSDataFlow) tryWrite() {
	if f.tunnel.FinishWritingCipherData() {
		if f.writeHandler != nil {
			h := f.writeHandler
			c := f.writeCancel
			f.writeHandler = nil
			if serr := f.state.WriteEnd(); serr != nil {
				f.logIllegal(serr)
			}
			f.GetRunloop().Post(func() {
				if c.Canceled() {
					return
				}
				h(nil)
			})
		}
		return
	}
	if f.next.StateMachine().IsWriting() {
		return
	}
	out := f.tunnel.ReadCipherTextData()
	if len(out) == 0 {
		return
	}
	c := cancelable.New()
	f.innerWriteCancel = c
	f.next.Write(out, func(err error) {
		if c.Canceled() {
			return
		}
		if err != nil {
			f.ReportError(err, false)
			return
		}
		f.Process()
	})
}

// ReportError records an inner I/O error, delivering it to the preferred
// side first (tryReadFirst), then the other side, and latching it as
// pending if neither a read nor a write handler is currently registered.
// At most one error is ever surfaced across the lifetime of the flow.
func (f *TLSDataFlow) ReportError(err error, tryReadFirst bool) {
	if f.errorReported {
		return
	}
	if f.tryDeliverError(err, tryReadFirst) {
		f.errorReported = true
		return
	}
	f.pendingError = err
	f.pendingErrorTryReadFirst = tryReadFirst
}

func (f *TLSDataFlow) deliverPendingError() bool {
	err := f.pendingError
	if f.tryDeliverError(err, f.pendingErrorTryReadFirst) {
		f.pendingError = nil
		return true
	}
	return false
}

func (f *TLSDataFlow) tryDeliverError(err error, tryReadFirst bool) bool {
	if tryReadFirst {
		if f.deliverReadError(err) {
			return true
		}
		return f.deliverWriteError(err)
	}
	if f.deliverWriteError(err) {
		return true
	}
	return f.deliverReadError(err)
}

func (f *TLSDataFlow) deliverReadError(err error) bool {
	if f.readHandler == nil {
		return false
	}
	h := f.readHandler
	c := f.readCancel
	f.readHandler = nil
	if serr := f.state.ReadEnd(); serr != nil {
		f.logIllegal(serr)
	}
	f.GetRunloop().Post(func() {
		if c.Canceled() {
			return
		}
		h(nil, err)
	})
	return true
}

func (f *TLSDataFlow) deliverWriteError(err error) bool {
	if f.writeHandler == nil {
		return false
	}
	h := f.writeHandler
	c := f.writeCancel
	f.writeHandler = nil
	if serr := f.state.WriteEnd(); serr != nil {
		f.logIllegal(serr)
	}
	f.GetRunloop().Post(func() {
		if c.Canceled() {
			return
		}
		h(err)
	})
	return true
}

func (f *TLSDataFlow) logIllegal(err error) {
	f.logger.Warn("tls data flow: unexpected state transition", zap.Error(err))
}
