package cluster

import (
	"github.com/crosstalk-im/crosstalk/core/wire"
)

// NodeID is the opaque identifier the clustering substrate assigns to a node.
type NodeID string

// Envelope is the unit of transmission between nodes: a task kind plus an
// already encoded payload, tagged with the sending node.
//
// Whether an envelope is fire-and-forget or synchronous is decided by the
// dispatch path ([Transport.Send] vs [Transport.Request]); the payload itself
// is identical in both cases.
type Envelope struct {
	Sender NodeID
	Kind   string
	Data   []byte
}

// Encode writes the envelope in wire form.
func (e Envelope) Encode() []byte {
	var w wire.Writer
	w.String(string(e.Sender))
	w.String(e.Kind)
	w.Blob(e.Data)
	return w.Bytes()
}

// DecodeEnvelope reads an envelope written by [Envelope.Encode].
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := wire.NewReader(b)
	e := Envelope{
		Sender: NodeID(r.String()),
		Kind:   r.String(),
		Data:   r.Blob(),
	}
	return e, r.Err()
}

// responseFrame carries a synchronous task result (or its error code) back to
// the requesting node. Must stay symmetric across all transport backends.
type responseFrame struct {
	Code string
	Msg  string
	Data []byte
}

// EncodeResult frames a handler result for the reply leg of a synchronous
// task. Every transport backend uses the same framing so typed errors keep
// their identity regardless of how the envelope travelled.
func EncodeResult(data []byte, err error) []byte {
	rf := responseFrame{Code: errorCode(err), Data: data}
	if err != nil {
		rf.Msg = err.Error()
		rf.Data = nil
	}
	var w wire.Writer
	w.String(rf.Code)
	w.String(rf.Msg)
	w.Blob(rf.Data)
	return w.Bytes()
}

// DecodeResult unframes a reply written by [EncodeResult], mapping wire error
// codes back to the local sentinels.
func DecodeResult(b []byte) ([]byte, error) {
	r := wire.NewReader(b)
	code := r.String()
	msg := r.String()
	data := r.Blob()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := errorFromCode(code, msg); err != nil {
		return nil, err
	}
	return data, nil
}
