// Package control decodes the length-prefixed JSON input packets a viewer
// sends back over the stream connection.
package control

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind is the decoded "type" discriminator of a control packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindClick
	KindDoubleClick
	KindDrag
	KindSelectAndDragStart
	KindSelectAndDragUpdate
	KindSelectAndDragEnd
	KindScroll
)

var kindNames = map[Kind]string{
	KindClick:               "click",
	KindDoubleClick:         "doubleClick",
	KindDrag:                "drag",
	KindSelectAndDragStart:  "selectAndDragStart",
	KindSelectAndDragUpdate: "selectAndDragUpdate",
	KindSelectAndDragEnd:    "selectAndDragEnd",
	KindScroll:              "scroll",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire type name to its Kind.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

// Packet is one control message. DX and DY are display-local for pointer
// packets and raw deltas for scroll.
type Packet struct {
	Kind Kind
	DX   float64
	DY   float64
}

type packetJSON struct {
	Type string  `json:"type"`
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
}

var ErrUnknownType = errors.New("control: unknown packet type")

// Decode parses a JSON payload. Unrecognized types return ErrUnknownType,
// which callers ignore.
func Decode(payload []byte) (Packet, error) {
	var raw packetJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Packet{}, errors.Wrap(err, "control: bad packet")
	}
	k, ok := ParseKind(raw.Type)
	if !ok {
		return Packet{}, errors.Wrapf(ErrUnknownType, "%q", raw.Type)
	}
	return Packet{Kind: k, DX: raw.DX, DY: raw.DY}, nil
}

// Encode renders p as its JSON payload (unframed).
func Encode(p Packet) ([]byte, error) {
	name, ok := kindNames[p.Kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "kind %d", int(p.Kind))
	}
	return json.Marshal(packetJSON{Type: name, DX: p.DX, DY: p.DY})
}
