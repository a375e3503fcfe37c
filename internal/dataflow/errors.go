package dataflow

import "errors"

// ErrTLSProtocol is the single general error surfaced for any handshake or
// record-layer failure reported by the tunnel. The tunnel's own error is
// wrapped underneath it.
var ErrTLSProtocol = errors.New("dataflow: tls protocol error")
