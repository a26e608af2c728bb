package encode

import (
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
)

// ReadAccessUnits parses an Annex-B elementary stream whose access units
// are separated by AUD NAL units and delivers each as a Sample with 4-byte
// length prefixes. SPS and PPS are moved into ParamSets. It returns nil at
// end of stream.
func ReadAccessUnits(r io.Reader, frameDur time.Duration, out func(Sample)) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "h264 reader")
	}

	var (
		nalus     [][]byte
		paramSets [][]byte
		keyframe  bool
		n         int64
	)
	flush := func() error {
		if len(nalus) == 0 {
			paramSets = nil
			return nil
		}
		data, err := ToAVCC(nalus)
		if err != nil {
			return errors.Wrap(err, "marshal AVCC")
		}
		out(Sample{
			Data:          data,
			NALLengthSize: 4,
			ParamSets:     paramSets,
			Keyframe:      keyframe,
			PTS:           time.Duration(n) * frameDur,
		})
		n++
		nalus, paramSets, keyframe = nil, nil, false
		return nil
	}

	for {
		nal, err := reader.NextNAL()
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return errors.Wrap(err, "read NAL")
		}
		if len(nal.Data) == 0 {
			continue
		}
		data := append([]byte(nil), nal.Data...)
		switch nal.UnitType {
		case h264reader.NalUnitTypeAUD:
			if err := flush(); err != nil {
				return err
			}
		case h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS:
			paramSets = append(paramSets, data)
		case h264reader.NalUnitTypeCodedSliceIdr:
			keyframe = true
			nalus = append(nalus, data)
		default:
			nalus = append(nalus, data)
		}
	}
}
