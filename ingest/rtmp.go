package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/thesyncim/uvcout"
)

// FLV video tag fields.
const (
	flvCodecAVC          = 7
	flvFrameKey          = 1
	flvAVCSequenceHeader = 0
	flvAVCNALU           = 1
)

// RTMPSource accepts an RTMP publisher and forwards its H.264 video, e.g.
//
//	ffmpeg -re -i in.mp4 -c:v libx264 -f flv rtmp://127.0.0.1:1935/live/stream
//
// Only one stream is forwarded at a time; a new publisher replaces the old
// one.
type RTMPSource struct {
	Addr   string // listen address, e.g. ":1935"
	Logger zerolog.Logger
}

// Run serves until ctx is cancelled.
func (s *RTMPSource) Run(ctx context.Context, emit func(uvcout.FrameBuffer)) error {
	log := s.Logger.With().Str("component", "rtmp_source").Str("addr", s.Addr).Logger()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	log.Info().Str("local", ln.Addr().String()).Msg("waiting for RTMP publisher")

	// go-rtmp logs through logrus; forward warnings into our log.
	rtmpLog := logrus.New()
	rtmpLog.SetOutput(log.With().Str("lib", "go-rtmp").Logger())
	rtmpLog.SetLevel(logrus.WarnLevel)

	frames := make(chan uvcout.FrameBuffer, 60)
	var active atomic.Pointer[rtmpHandler]
	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpHandler{
					ctx:    ctx,
					log:    log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
					frames: frames,
					active: &active,
				},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
				Logger: rtmpLog,
			}
		},
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			return ctx.Err()
		case err := <-serveErr:
			return fmt.Errorf("rtmp serve: %w", err)
		case f := <-frames:
			emit(f)
		}
	}
}

type rtmpHandler struct {
	rtmp.DefaultHandler

	ctx    context.Context
	log    zerolog.Logger
	frames chan<- uvcout.FrameBuffer
	active *atomic.Pointer[rtmpHandler] // publisher being forwarded

	publishing bool
	sps, pps   []byte
	warned     bool
}

func (h *rtmpHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.log.Info().Str("stream", cmd.PublishingName).Msg("publish started")
	h.publishing = true
	h.sps, h.pps = nil, nil
	if prev := h.active.Swap(h); prev != nil && prev != h {
		h.log.Warn().Msg("replacing previous publisher")
	}
	return nil
}

func (h *rtmpHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.publishing || h.active.Load() != h {
		return nil
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	au, key, pts, ok := h.parseVideoTag(buf.Bytes(), timestamp)
	if !ok {
		return nil
	}

	var flags uint32
	if key {
		flags = FlagKeyframe
	}
	select {
	case h.frames <- uvcout.FrameBuffer{Data: au, TimestampUs: pts * 1000, Flags: flags}:
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
	return nil
}

// parseVideoTag converts an FLV AVC video tag into an Annex-B access unit.
// Sequence headers update the cached parameter sets and produce no frame.
func (h *rtmpHandler) parseVideoTag(data []byte, timestamp uint32) (au []byte, key bool, ptsMs int64, ok bool) {
	if len(data) < 5 {
		return nil, false, 0, false
	}
	frameType := data[0] >> 4
	codecID := data[0] & 0x0F
	if codecID != flvCodecAVC {
		if !h.warned {
			h.warned = true
			h.log.Warn().Uint8("codec_id", codecID).Msg("ignoring non-H.264 video")
		}
		return nil, false, 0, false
	}

	// Composition time offset, signed 24-bit
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	avcData := data[5:]

	switch data[1] {
	case flvAVCSequenceHeader:
		h.sps, h.pps = extractSPSPPS(avcData)
		h.log.Info().Int("sps_len", len(h.sps)).Int("pps_len", len(h.pps)).Msg("AVC sequence header")
		return nil, false, 0, false

	case flvAVCNALU:
		if h.sps == nil {
			return nil, false, 0, false
		}
		nalus := parseAVCCNALUs(avcData)
		if len(nalus) == 0 {
			return nil, false, 0, false
		}
		key = frameType == flvFrameKey
		return buildAnnexB(nalus, h.sps, h.pps, key), key, int64(timestamp) + int64(cts), true
	}
	return nil, false, 0, false
}

func (h *rtmpHandler) OnClose() {
	if h.publishing {
		h.log.Info().Msg("publisher disconnected")
	}
	h.publishing = false
	h.active.CompareAndSwap(h, nil)
}

// extractSPSPPS reads the first SPS and PPS out of an
// AVCDecoderConfigurationRecord.
func extractSPSPPS(data []byte) (sps, pps []byte) {
	if len(data) < 8 {
		return nil, nil
	}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	for i := 0; i < numSPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return sps, pps
		}
		if sps == nil {
			sps = bytes.Clone(data[offset : offset+length])
		}
		offset += length
	}

	if offset >= len(data) {
		return sps, pps
	}
	numPPS := int(data[offset])
	offset++

	for i := 0; i < numPPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return sps, pps
		}
		if pps == nil {
			pps = bytes.Clone(data[offset : offset+length])
		}
		offset += length
	}
	return sps, pps
}

// parseAVCCNALUs splits 4-byte length-prefixed NAL units.
func parseAVCCNALUs(data []byte) [][]byte {
	var nalus [][]byte
	for offset := 0; offset+4 <= len(data); {
		length := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if length <= 0 || offset+length > len(data) {
			break
		}
		nalus = append(nalus, data[offset:offset+length])
		offset += length
	}
	return nalus
}

// buildAnnexB joins NAL units with start codes, prepending SPS and PPS to
// keyframes so the decoder can start on any of them.
func buildAnnexB(nalus [][]byte, sps, pps []byte, key bool) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	if key {
		size += 8 + len(sps) + len(pps)
	}

	out := make([]byte, 0, size)
	if key && sps != nil && pps != nil {
		out = append(out, 0, 0, 0, 1)
		out = append(out, sps...)
		out = append(out, 0, 0, 0, 1)
		out = append(out, pps...)
	}
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}
