package address

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosstalk-im/crosstalk/core/wire"
)

func TestKey_Equality(t *testing.T) {
	require.Equal(t, Client("alice@wonder.land/desk"), Client("alice@wonder.land/desk"))
	require.NotEqual(t, Client("a@b"), Component("a@b"))
	require.NotEqual(t, DomainPair("a", "b"), DomainPair("b", "a"))

	// usable as map keys
	m := map[Key]int{
		Client("alice@wonder.land"): 1,
		Stream("str-1"):             2,
	}
	require.Equal(t, 1, m[Client("alice@wonder.land")])
	require.Equal(t, 2, m[Stream("str-1")])
}

func TestKey_EncodeDecode(t *testing.T) {
	keys := []Key{
		Client("alice@wonder.land/desk"),
		DomainPair("wonder.land", "remote.example"),
		Stream("c2f1a0"),
		Component("conference.wonder.land"),
		Multiplexer("mux@wonder.land"),
	}
	for _, k := range keys {
		t.Run(k.String(), func(t *testing.T) {
			var w wire.Writer
			k.Encode(&w)
			got, err := Decode(wire.NewReader(w.Bytes()))
			require.NoError(t, err)
			require.Equal(t, k, got)
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	var w wire.Writer
	w.Tag("teapot")
	w.String("x")
	_, err := Decode(wire.NewReader(w.Bytes()))
	require.ErrorContains(t, err, "unknown kind")
}
