package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TestEncode_ControlFramesAreTiny verifies payload-less messages cost two bytes on the wire.
func TestEncode_ControlFramesAreTiny(t *testing.T) {
	for _, m := range []Message{Ping{}, Pong{}, ReadyRequest{}, ReadyAnswer{}} {
		frame, err := Encode(m)
		require.NoError(t, err)
		assert.Equal(t, []byte{Version, byte(m.Tag())}, frame)
	}
}

// TestRoundTrip_StateMessages verifies binary payloads survive encoding unchanged.
func TestRoundTrip_StateMessages(t *testing.T) {
	frame, err := Encode(StateUpdate{Delta: []byte{0, 1, 2, 255}})
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, StateUpdate{Delta: []byte{0, 1, 2, 255}}, got)

	frame, err = Encode(StateRequest{})
	require.NoError(t, err)
	got, err = Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TagStateRequest, got.Tag())
	assert.Empty(t, got.(StateRequest).StateVector)
}

// TestRoundTrip_Presence verifies nested presence users, optional cursors and booleans.
func TestRoundTrip_Presence(t *testing.T) {
	in := PresenceSet{Users: []PresenceUser{
		{DisplayName: "ada", StyleIndex: 0, Cursor: &Cursor{From: 3, To: 7}, Active: true},
		{DisplayName: "", StyleIndex: 4},
	}}
	frame, err := Encode(in)
	require.NoError(t, err)
	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	frame, err = Encode(PresenceActivity{Active: true})
	require.NoError(t, err)
	got, err = Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, PresenceActivity{Active: true}, got)
}

// TestDecode_UnknownTag verifies an unknown tag is a decode error, distinguishable from other failures.
func TestDecode_UnknownTag(t *testing.T) {
	_, err := Decode([]byte{Version, byte(maxTag + 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ErrUnknownTag)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, maxTag+1, de.Tag)
}

// TestDecode_UnsupportedVersion verifies frames from another protocol version are rejected.
func TestDecode_UnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte{Version + 1, byte(TagPing)})
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

// TestDecode_Malformed verifies truncated or empty frames fail instead of panicking.
func TestDecode_Malformed(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		{Version},
		{Version, byte(TagStateUpdate), 0x0a, 0x05, 1},
		{Version, byte(TagPresenceSet), 0x0a, 0x02, 0x0a, 0x09},
	} {
		_, err := Decode(frame)
		assert.ErrorIs(t, err, ErrDecode, "frame %v", frame)
		assert.NotErrorIs(t, err, ErrUnknownTag, "frame %v", frame)
	}
}

// TestDecode_SkipsUnknownFields verifies extra payload fields within a known tag are ignored.
func TestDecode_SkipsUnknownFields(t *testing.T) {
	frame, err := Encode(StateUpdate{Delta: []byte("d")})
	require.NoError(t, err)
	frame = protowire.AppendTag(frame, 9, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 42)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, StateUpdate{Delta: []byte("d")}, got)
}
