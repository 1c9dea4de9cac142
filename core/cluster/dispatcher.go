package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosstalk-im/crosstalk/core/wire"
)

// EncodeFunc writes a task payload. A nil EncodeFunc encodes an empty payload.
type EncodeFunc = func(w *wire.Writer)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Transport Transport
	// Timeout bounds synchronous calls. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
	Metrics Metrics
}

// DefaultRequestTimeout bounds synchronous cluster calls unless overridden.
const DefaultRequestTimeout = 5 * time.Second

// Dispatcher is the caller-side entry point for cluster tasks: it encodes
// payloads into envelopes, picks the dispatch mode and records metrics.
type Dispatcher struct {
	t       Transport
	timeout time.Duration
	metrics Metrics
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("cluster: DispatcherOptions.Transport is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = NopMetrics()
	}
	return &Dispatcher{t: opts.Transport, timeout: timeout, metrics: m}, nil
}

func (d *Dispatcher) NodeID() NodeID { return d.t.NodeID() }
func (d *Dispatcher) Peers() []NodeID { return d.t.Peers() }
func (d *Dispatcher) Senior() NodeID { return d.t.Senior() }
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

func (d *Dispatcher) newEnv(kind string, enc EncodeFunc) Envelope {
	var w wire.Writer
	if enc != nil {
		enc(&w)
	}
	return Envelope{Sender: d.t.NodeID(), Kind: kind, Data: w.Bytes()}
}

// recordTransportError maps known transport errors to metric labels.
func (d *Dispatcher) recordTransportError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrClusterTimeout):
		d.metrics.TransportError("timeout")
	case errors.Is(err, ErrNodeUnreachable):
		d.metrics.TransportError("unreachable")
	case errors.Is(err, ErrTransportClosed):
		d.metrics.TransportError("closed")
	}
}

// Notify dispatches a fire-and-forget task to target. It returns once the
// envelope is handed to the transport; execution outcome is not observed.
func (d *Dispatcher) Notify(ctx context.Context, target NodeID, kind string, enc EncodeFunc) error {
	err := d.t.Send(ctx, target, d.newEnv(kind, enc))
	d.metrics.NotifyCompleted(kind, err == nil)
	d.recordTransportError(err)
	return err
}

// Call dispatches a synchronous task to target and decodes the result.
func (d *Dispatcher) Call(ctx context.Context, target NodeID, kind string, enc EncodeFunc) (*wire.Reader, error) {
	defer d.metrics.RequestDuration(kind).ObserveDuration()

	data, err := d.t.Request(ctx, target, d.newEnv(kind, enc), d.timeout)
	d.metrics.RequestCompleted(kind, err == nil)
	if err != nil {
		d.recordTransportError(err)
		return nil, err
	}
	return wire.NewReader(data), nil
}

// Broadcast dispatches a fire-and-forget task to all other nodes.
func (d *Dispatcher) Broadcast(ctx context.Context, kind string, enc EncodeFunc) error {
	err := d.t.Broadcast(ctx, d.newEnv(kind, enc))
	d.metrics.NotifyCompleted(kind, err == nil)
	d.recordTransportError(err)
	return err
}
