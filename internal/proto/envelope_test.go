package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"command":"fnp","body":{}}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))
	require.Equal(t, frame, buf.Bytes())
}

func TestFrameRejectsEmptyAndOversize(t *testing.T) {
	_, err := EncodeFrame(nil)
	require.ErrorIs(t, err, ErrEmptyFrame)
	_, err = EncodeFrame(make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, err, ErrEmptyFrame)
	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 9, '{'}))
	require.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := EncodeEnvelope(MsgTypeVoteRequest, "10.0.0.1:27210", "abcd", VoteRequestMsg{Count: 12})
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, MsgTypeVoteRequest, env.Command)
	require.Equal(t, "10.0.0.1:27210", env.From)
	req, err := DecodeBody[VoteRequestMsg](env)
	require.NoError(t, err)
	require.Equal(t, 12, req.Count)

	_, err = EncodeEnvelope("", "", "", nil)
	require.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"from":"x"}`))
	require.Error(t, err)
	_, err = DecodeBody[VoteRequestMsg](Envelope{Command: "fnget"})
	require.Error(t, err)
}

func TestValidateInv(t *testing.T) {
	require.NoError(t, ValidateInv([]InvItem{{Kind: InvVote}}))
	require.Error(t, ValidateInv(nil))
	require.Error(t, ValidateInv([]InvItem{{Kind: "tx"}}))
}
