package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTripsBothFormats(t *testing.T) {
	payload := LoginPayload{Username: "alice"}
	ts := uint64(time.Now().UnixMilli())

	for _, format := range []Format{FormatBinary, FormatTextual} {
		data, err := Encode(format, ts, KindLogin, payload)
		require.NoError(t, err)

		env, err := Decode(format, data)
		require.NoError(t, err)
		assert.Equal(t, ts, env.Timestamp)
		assert.Equal(t, KindLogin, env.Kind)

		var decoded LoginPayload
		require.NoError(t, DecodeBody(format, env.Body, &decoded))
		assert.Equal(t, payload, decoded)
	}
}

func TestDecode_MalformedFrame(t *testing.T) {
	_, err := Decode(FormatTextual, []byte("{not json"))
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode(FormatBinary, []byte("{\"t\":1}"))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeBody_MalformedPayload(t *testing.T) {
	var target JoinPayload
	err := DecodeBody(FormatTextual, []byte("42"), &target)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestPeerCodec_StartsBinaryAndFollowsThePeer(t *testing.T) {
	pc := NewPeerCodec()
	require.Equal(t, FormatBinary, pc.Format())

	textual, err := Encode(FormatTextual, 1, KindKeepalive, KeepalivePayload{})
	require.NoError(t, err)
	env, err := pc.Decode(false, textual)
	require.NoError(t, err)
	assert.Equal(t, KindKeepalive, env.Kind)
	assert.Equal(t, FormatTextual, pc.Format(), "a textual frame must switch the peer to textual")

	binary, err := Encode(FormatBinary, 2, KindKeepalive, KeepalivePayload{})
	require.NoError(t, err)
	_, err = pc.Decode(true, binary)
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, pc.Format(), "a binary frame must switch the peer back to binary")
}

func TestEncodeDecode_RepresentativeCatalogue(t *testing.T) {
	cases := []struct {
		kind    string
		payload any
	}{
		{KindHello, HelloPayload{ProtocolVersion: 1, Server: "syncroom/1"}},
		{KindClosed, ClosedPayload{Reason: CloseRoomClosed, Message: "room closed"}},
		{KindJoin, JoinPayload{Id: "abc", Password: "p"}},
		{KindState, StatePayload{Id: "r", Name: "movies", Users: []RoomUserData{{SessionId: "s", Name: "n", Role: "Host"}}}},
		{KindSync, SyncPayload{State: PlaybackStateData{Timestamp: 999700, Playing: true, Time: 12.5}}},
		{KindStopped, StoppedPayload{Reason: StopSuperseded}},
		{KindPlaybackDisconnected, PlaybackDisconnectedPayload{Reason: PlaybackDisconnectedStopped, StopReason: StopSuperseded}},
		{KindAvailable, AvailablePayload{Info: PlaybackInfoData{HostName: "h", Source: &PlaybackSourceData{Title: "t", PageHref: "p", FrameHref: "f", ElementQuery: "q"}}}},
	}

	for _, tc := range cases {
		for _, format := range []Format{FormatBinary, FormatTextual} {
			data, err := Encode(format, 7, tc.kind, tc.payload)
			require.NoError(t, err, tc.kind)
			env, err := Decode(format, data)
			require.NoError(t, err, tc.kind)
			assert.Equal(t, tc.kind, env.Kind)
		}
	}
}
