package control

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/wire"
)

func framed(t *testing.T, p Packet) []byte {
	t.Helper()
	payload, err := Encode(p)
	require.NoError(t, err)
	return wire.Frame(payload)
}

func collect(max int) (*Decoder, *[]Packet) {
	var got []Packet
	d := NewDecoder(max, func(p Packet) { got = append(got, p) })
	return d, &got
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		json string
		want Packet
	}{
		{`{"type":"click","dx":10,"dy":20}`, Packet{KindClick, 10, 20}},
		{`{"type":"doubleClick","dx":1.5,"dy":2.5}`, Packet{KindDoubleClick, 1.5, 2.5}},
		{`{"type":"drag","dx":3,"dy":4}`, Packet{KindDrag, 3, 4}},
		{`{"type":"selectAndDragStart","dx":10,"dy":10}`, Packet{KindSelectAndDragStart, 10, 10}},
		{`{"type":"selectAndDragUpdate","dx":50,"dy":50}`, Packet{KindSelectAndDragUpdate, 50, 50}},
		{`{"type":"selectAndDragEnd","dx":50,"dy":50}`, Packet{KindSelectAndDragEnd, 50, 50}},
		{`{"type":"scroll","dx":100,"dy":-50}`, Packet{KindScroll, 100, -50}},
		{`{"type":"click"}`, Packet{KindClick, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			got, err := Decode([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","dx":1,"dy":1}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownType)
}

func TestEncodeRoundTripsThroughDecoder(t *testing.T) {
	d, got := collect(0)
	d.Feed(framed(t, Packet{KindScroll, 100, 50}))
	require.Len(t, *got, 1)
	assert.Equal(t, Packet{KindScroll, 100, 50}, (*got)[0])
}

func TestFeedByteAtATime(t *testing.T) {
	var stream []byte
	stream = append(stream, framed(t, Packet{KindClick, 1, 2})...)
	stream = append(stream, framed(t, Packet{KindDrag, 3, 4})...)

	d, got := collect(0)
	for i := range stream {
		d.Feed(stream[i : i+1])
	}

	require.Len(t, *got, 2)
	assert.Equal(t, KindClick, (*got)[0].Kind)
	assert.Equal(t, KindDrag, (*got)[1].Kind)
}

func TestOversizeLengthIsSkippedWithoutMisalignment(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(framed(t, Packet{KindClick, 1, 1}))
	// A declared length past the limit, followed by that many bytes that
	// happen to look like a valid header and packet.
	junk := framed(t, Packet{KindDoubleClick, 9, 9})
	junk = append(junk, bytes.Repeat([]byte{0xFF}, 128-len(junk))...)
	binary.Write(&stream, binary.BigEndian, uint32(len(junk)))
	stream.Write(junk)
	stream.Write(framed(t, Packet{KindScroll, 0, 10}))

	d, got := collect(64)
	d.Feed(stream.Bytes())

	require.Len(t, *got, 2)
	assert.Equal(t, KindClick, (*got)[0].Kind)
	assert.Equal(t, KindScroll, (*got)[1].Kind)
	assert.Equal(t, uint64(1), d.Stats().Rejected)
}

func TestZeroLengthResets(t *testing.T) {
	var stream []byte
	stream = append(stream, 0, 0, 0, 0)
	stream = append(stream, framed(t, Packet{KindClick, 5, 5})...)

	d, got := collect(0)
	d.Feed(stream)

	require.Len(t, *got, 1)
	assert.Equal(t, uint64(1), d.Stats().Rejected)
}

func TestBadJSONAndUnknownTypeKeepStreamOpen(t *testing.T) {
	var stream []byte
	stream = append(stream, wire.Frame([]byte(`not json`))...)
	stream = append(stream, wire.Frame([]byte(`{"type":"pinch","dx":1,"dy":1}`))...)
	stream = append(stream, framed(t, Packet{KindClick, 7, 8})...)

	d, got := collect(0)
	d.Feed(stream)

	require.Len(t, *got, 1)
	assert.Equal(t, Packet{KindClick, 7, 8}, (*got)[0])
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.Ignored)
	assert.Equal(t, uint64(1), st.Packets)
}

func TestResetDropsPartialPacket(t *testing.T) {
	full := framed(t, Packet{KindClick, 1, 1})
	d, got := collect(0)
	d.Feed(full[:len(full)-2])
	d.Reset()
	d.Feed(framed(t, Packet{KindDrag, 2, 2}))

	require.Len(t, *got, 1)
	assert.Equal(t, KindDrag, (*got)[0].Kind)
}
