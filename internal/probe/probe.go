// Package probe is a diagnostic peer for the stream server. It reads the
// framed H.264 stream, checks that every IDR is preceded by SPS and PPS and
// can send control packets.
package probe

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"deskstream/internal/control"
	"deskstream/internal/logging"
	"deskstream/internal/wire"
)

type Options struct {
	Addr       string
	Duration   time.Duration
	MaxPayload int
	Packets    []control.Packet
	// PacketInterval spaces out Packets.
	PacketInterval time.Duration
}

// Report summarizes a probe run.
type Report struct {
	Records         uint64
	ParamSetRecords uint64
	Bytes           uint64
	NALs            map[h264reader.NalUnitType]uint64
	IDRs            uint64
	Violations      uint64
	PacketsSent     int
	Elapsed         time.Duration
}

// Bitrate is the mean payload rate in bits per second.
func (r *Report) Bitrate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes*8) / r.Elapsed.Seconds()
}

// Run connects to opts.Addr and collects a Report until the duration
// elapses, ctx is cancelled or the server closes the connection.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 16 << 20
	}
	log := logging.For("probe")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", opts.Addr)
	}
	log.Infof("connected to %s", conn.RemoteAddr())

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rep := &Report{NALs: make(map[h264reader.NalUnitType]uint64)}
	var mu sync.Mutex
	start := time.Now()
	pr, pw := io.Pipe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		pw.CloseWithError(io.EOF)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		defer pw.Close()
		for {
			payload, err := wire.ReadFrame(conn, opts.MaxPayload)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return errors.Wrap(err, "read record")
			}
			mu.Lock()
			rep.Records++
			rep.Bytes += uint64(len(payload))
			if isParamSetRecord(payload) {
				rep.ParamSetRecords++
			}
			mu.Unlock()
			if _, err := pw.Write(payload); err != nil {
				return nil
			}
		}
	})
	g.Go(func() error {
		defer pr.Close()
		return countNALs(pr, rep, &mu, log)
	})
	g.Go(func() error {
		return sendPackets(ctx, conn, opts, rep, &mu)
	})

	err = g.Wait()
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}
	return rep, nil
}

func isParamSetRecord(p []byte) bool {
	return len(p) > 4 && p[0] == 0 && p[1] == 0 && p[2] == 0 && p[3] == 1 &&
		h264reader.NalUnitType(p[4]&0x1F) == h264reader.NalUnitTypeSPS
}

// countNALs parses the de-framed stream. An IDR slice with no SPS and PPS
// since the last non-IDR slice counts as a violation.
func countNALs(r io.Reader, rep *Report, mu *sync.Mutex, log *logrus.Entry) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "h264 reader")
	}
	var sps, pps bool
	for {
		nal, err := reader.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "parse NAL")
		}
		mu.Lock()
		rep.NALs[nal.UnitType]++
		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS:
			sps = true
		case h264reader.NalUnitTypePPS:
			pps = true
		case h264reader.NalUnitTypeCodedSliceIdr:
			rep.IDRs++
			if !sps || !pps {
				rep.Violations++
				log.Warnf("IDR #%d without preceding SPS/PPS", rep.IDRs)
			}
		case h264reader.NalUnitTypeCodedSliceNonIdr:
			sps, pps = false, false
		}
		mu.Unlock()
	}
}

func sendPackets(ctx context.Context, w io.Writer, opts Options, rep *Report, mu *sync.Mutex) error {
	for i, p := range opts.Packets {
		if i > 0 && opts.PacketInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.PacketInterval):
			}
		}
		payload, err := control.Encode(p)
		if err != nil {
			return err
		}
		if err := wire.WriteFrame(w, payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "send %s", p.Kind)
		}
		mu.Lock()
		rep.PacketsSent++
		mu.Unlock()
	}
	return nil
}
