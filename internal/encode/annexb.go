package encode

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// SplitNALUs splits length-prefixed NAL units. Every declared length is
// checked against the bytes that remain; a short or inconsistent buffer
// is rejected as a whole.
func SplitNALUs(buf []byte, lengthSize int) ([][]byte, error) {
	switch lengthSize {
	case 1, 2, 4:
	default:
		return nil, errors.Wrapf(ErrMalformedSample, "unsupported NAL length size %d", lengthSize)
	}

	var nalus [][]byte
	for pos := 0; pos < len(buf); {
		if len(buf)-pos < lengthSize {
			return nil, errors.Wrapf(ErrMalformedSample, "truncated length field at offset %d", pos)
		}
		var n uint64
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | uint64(buf[pos+i])
		}
		pos += lengthSize
		if n == 0 {
			return nil, errors.Wrapf(ErrMalformedSample, "empty NAL unit at offset %d", pos)
		}
		if n > uint64(len(buf)-pos) {
			return nil, errors.Wrapf(ErrMalformedSample, "NAL length %d exceeds remaining %d bytes", n, len(buf)-pos)
		}
		nalus = append(nalus, buf[pos:pos+int(n)])
		pos += int(n)
	}
	if len(nalus) == 0 {
		return nil, errors.Wrap(ErrMalformedSample, "no NAL units")
	}
	return nalus, nil
}

// ParamSetUnit joins SPS and PPS into one start-code-prefixed payload.
func ParamSetUnit(paramSets [][]byte) ([]byte, error) {
	var sps, pps [][]byte
	for _, ps := range paramSets {
		if len(ps) == 0 {
			continue
		}
		switch h264.NALUType(ps[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = append(sps, ps)
		case h264.NALUTypePPS:
			pps = append(pps, ps)
		}
	}
	if len(sps) == 0 || len(pps) == 0 {
		return nil, errors.Wrap(ErrMalformedSample, "keyframe without SPS and PPS")
	}
	return h264.AnnexB(append(sps, pps...)).Marshal()
}

// Convert turns a backend sample into wire units. For a keyframe the
// parameter-set unit comes first. In-band SPS/PPS are moved into the
// parameter-set unit so each appears once per keyframe.
func Convert(s Sample) ([]types.EncodedUnit, error) {
	nalus, err := SplitNALUs(s.Data, s.NALLengthSize)
	if err != nil {
		return nil, err
	}

	paramSets := s.ParamSets
	slices := nalus[:0:0]
	keyframe := s.Keyframe
	for _, n := range nalus {
		switch h264.NALUType(n[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			if len(s.ParamSets) == 0 {
				paramSets = append(paramSets, n)
			}
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			keyframe = true
		}
		slices = append(slices, n)
	}
	if len(slices) == 0 {
		return nil, errors.Wrap(ErrMalformedSample, "no slice data")
	}

	var units []types.EncodedUnit
	if keyframe {
		ps, err := ParamSetUnit(paramSets)
		if err != nil {
			return nil, err
		}
		units = append(units, types.EncodedUnit{Data: ps, Kind: types.UnitParamSets, Keyframe: true, PTS: s.PTS})
	}

	data, err := h264.AnnexB(slices).Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal Annex-B")
	}
	units = append(units, types.EncodedUnit{Data: data, Kind: types.UnitSlices, Keyframe: keyframe, PTS: s.PTS})
	return units, nil
}

// ToAVCC re-expresses NAL units with 4-byte length prefixes.
func ToAVCC(nalus [][]byte) ([]byte, error) {
	return h264.AVCC(nalus).Marshal()
}
