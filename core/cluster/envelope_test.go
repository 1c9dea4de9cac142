package cluster

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Sender: "node-a", Kind: "session.deliver", Data: []byte{0x01, 0x02}}
	out, err := DecodeEnvelope(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	in := Envelope{Sender: "node-a", Kind: "cluster.node.info"}
	out, err := DecodeEnvelope(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Nil(t, out.Data)
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	full := Envelope{Sender: "node-a", Kind: "x", Data: []byte("payload")}.Encode()
	_, err := DecodeEnvelope(full[:3])
	require.Error(t, err)
}

func TestResultRoundTripSuccess(t *testing.T) {
	data, err := DecodeResult(EncodeResult([]byte("ok"), nil))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), data)
}

func TestResultRoundTripSentinels(t *testing.T) {
	// errors crossing node boundaries keep their identity
	for _, sentinel := range []error{
		ErrDuplicateAddress,
		ErrNotFound,
		ErrTargetGone,
		ErrNotAllowed,
		ErrUnknownTask,
	} {
		wrapped := fmt.Errorf("handler: %w", sentinel)
		_, err := DecodeResult(EncodeResult(nil, wrapped))
		require.ErrorIs(t, err, sentinel, "sentinel %v", sentinel)
		require.Contains(t, err.Error(), "handler:")
	}
}

func TestResultRoundTripOpaqueError(t *testing.T) {
	_, err := DecodeResult(EncodeResult(nil, errors.New("disk on fire")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk on fire")
	// an unclassified failure must not alias any sentinel
	require.NotErrorIs(t, err, ErrNotFound)
}
