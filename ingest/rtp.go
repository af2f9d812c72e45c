package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/thesyncim/uvcout"
)

const maxRTPPacketSize = 1500 * 2

// RTPSource receives H.264 over RTP/UDP, e.g. from
//
//	ffmpeg -re -i in.mp4 -c:v libx264 -bsf:v h264_mp4toannexb -f rtp rtp://127.0.0.1:5004
type RTPSource struct {
	Addr string // listen address, e.g. ":5004"
	// PayloadType filters packets; 0 accepts any.
	PayloadType uint8
	Logger      zerolog.Logger
}

// Run listens until ctx is cancelled. Timestamps are derived from the 90 kHz
// RTP clock relative to the first access unit.
func (s *RTPSource) Run(ctx context.Context, emit func(uvcout.FrameBuffer)) error {
	log := s.Logger.With().Str("component", "rtp_source").Str("addr", s.Addr).Logger()

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	defer conn.Close()
	log.Info().Str("local", conn.LocalAddr().String()).Msg("waiting for RTP")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	return s.serve(ctx, conn, emit, log)
}

func (s *RTPSource) serve(ctx context.Context, conn net.PacketConn, emit func(uvcout.FrameBuffer), log zerolog.Logger) error {
	d := NewH264Depacketizer()
	buf := make([]byte, maxRTPPacketSize)

	var (
		base     uint32
		haveBase bool
		peer     net.Addr
	)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if peer == nil || peer.String() != from.String() {
			peer = from
			log.Info().Str("peer", from.String()).Msg("receiving RTP")
		}

		au, key, err := s.depacketize(d, buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("bad packet")
			continue
		}
		if au == nil {
			continue
		}

		if !haveBase {
			base, haveBase = d.timestamp, true
		}
		var flags uint32
		if key {
			flags = FlagKeyframe
		}
		emit(uvcout.FrameBuffer{
			Data:        au,
			TimestampUs: int64(d.timestamp-base) * 1000 / 90,
			Flags:       flags,
		})
	}
}

func (s *RTPSource) depacketize(d *H264Depacketizer, data []byte) ([]byte, bool, error) {
	if s.PayloadType == 0 {
		return d.DepacketizeBytes(data)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, false, err
	}
	if pkt.PayloadType != s.PayloadType {
		return nil, false, nil
	}
	return d.Depacketize(&pkt)
}
