package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/control"
)

func TestProbePackets(t *testing.T) {
	o := probeOptions{
		clicks:  []string{"1,2"},
		selects: []string{"10,10:50, 60"},
		scrolls: []string{"100,-50"},
	}
	got, err := o.packets()
	require.NoError(t, err)
	assert.Equal(t, []control.Packet{
		{Kind: control.KindClick, DX: 1, DY: 2},
		{Kind: control.KindSelectAndDragStart, DX: 10, DY: 10},
		{Kind: control.KindSelectAndDragUpdate, DX: 50, DY: 60},
		{Kind: control.KindSelectAndDragEnd, DX: 50, DY: 60},
		{Kind: control.KindScroll, DX: 100, DY: -50},
	}, got)
}

func TestProbePacketsRejectsBadInput(t *testing.T) {
	for _, o := range []probeOptions{
		{clicks: []string{"12"}},
		{moves: []string{"a,b"}},
		{selects: []string{"1,2"}},
		{scrolls: []string{"1,"}},
	} {
		_, err := o.packets()
		assert.Error(t, err)
	}
}
