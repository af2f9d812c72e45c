package ingest

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/thesyncim/uvcout"
)

// avcDecoderConfig builds an AVCDecoderConfigurationRecord with one SPS and
// one PPS.
func avcDecoderConfig(sps, pps []byte) []byte {
	rec := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	rec = append(rec, 0, byte(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1, 0, byte(len(pps)))
	rec = append(rec, pps...)
	return rec
}

func avcc(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

func flvVideoTag(key bool, packetType byte, cts int32, body []byte) []byte {
	frameType := byte(2)
	if key {
		frameType = 1
	}
	tag := []byte{frameType<<4 | flvCodecAVC, packetType, byte(cts >> 16), byte(cts >> 8), byte(cts)}
	return append(tag, body...)
}

func TestExtractSPSPPS(t *testing.T) {
	sps, pps := extractSPSPPS(avcDecoderConfig(testSPS, testPPS))
	if !bytes.Equal(sps, testSPS) {
		t.Errorf("sps = %x, want %x", sps, testSPS)
	}
	if !bytes.Equal(pps, testPPS) {
		t.Errorf("pps = %x, want %x", pps, testPPS)
	}

	if sps, pps := extractSPSPPS([]byte{1, 2, 3}); sps != nil || pps != nil {
		t.Error("short record should yield no parameter sets")
	}

	truncated := avcDecoderConfig(testSPS, testPPS)
	truncated = truncated[:len(truncated)-2]
	sps, pps = extractSPSPPS(truncated)
	if !bytes.Equal(sps, testSPS) || pps != nil {
		t.Errorf("truncated record: sps = %x pps = %x", sps, pps)
	}
}

func TestParseAVCCNALUs(t *testing.T) {
	nalus := parseAVCCNALUs(avcc(testIDRSlice, testPSlice))
	if len(nalus) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[0], testIDRSlice) || !bytes.Equal(nalus[1], testPSlice) {
		t.Errorf("nalus = %x", nalus)
	}

	bad := avcc(testPSlice)
	bad[3] = 0x40 // length past end
	if got := parseAVCCNALUs(bad); len(got) != 0 {
		t.Errorf("overlong length: got %d NAL units", len(got))
	}
}

func TestBuildAnnexB(t *testing.T) {
	key := buildAnnexB([][]byte{testIDRSlice}, testSPS, testPPS, true)
	if want := annexB(testSPS, testPPS, testIDRSlice); !bytes.Equal(key, want) {
		t.Errorf("keyframe = %x, want %x", key, want)
	}

	delta := buildAnnexB([][]byte{testPSlice}, testSPS, testPPS, false)
	if want := annexB(testPSlice); !bytes.Equal(delta, want) {
		t.Errorf("delta = %x, want %x", delta, want)
	}
}

func TestParseVideoTag(t *testing.T) {
	h := &rtmpHandler{log: zerolog.Nop()}

	if _, _, _, ok := h.parseVideoTag(flvVideoTag(true, flvAVCNALU, 0, avcc(testIDRSlice)), 0); ok {
		t.Fatal("frame produced before sequence header")
	}

	if _, _, _, ok := h.parseVideoTag(flvVideoTag(true, flvAVCSequenceHeader, 0, avcDecoderConfig(testSPS, testPPS)), 0); ok {
		t.Fatal("sequence header produced a frame")
	}
	if !bytes.Equal(h.sps, testSPS) || !bytes.Equal(h.pps, testPPS) {
		t.Fatalf("parameter sets not cached: sps=%x pps=%x", h.sps, h.pps)
	}

	tests := []struct {
		name    string
		key     bool
		cts     int32
		nalu    []byte
		ts      uint32
		wantPTS int64
		wantAU  []byte
	}{
		{"keyframe", true, 40, testIDRSlice, 1000, 1040, annexB(testSPS, testPPS, testIDRSlice)},
		{"negative composition offset", false, -40, testPSlice, 1000, 960, annexB(testPSlice)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			au, key, pts, ok := h.parseVideoTag(flvVideoTag(tt.key, flvAVCNALU, tt.cts, avcc(tt.nalu)), tt.ts)
			if !ok {
				t.Fatal("no frame")
			}
			if key != tt.key {
				t.Errorf("key = %v, want %v", key, tt.key)
			}
			if pts != tt.wantPTS {
				t.Errorf("pts = %d, want %d", pts, tt.wantPTS)
			}
			if !bytes.Equal(au, tt.wantAU) {
				t.Errorf("au = %x, want %x", au, tt.wantAU)
			}
		})
	}
}

func TestParseVideoTagIgnoresOtherCodecs(t *testing.T) {
	h := &rtmpHandler{log: zerolog.Nop()}
	vp6 := []byte{0x14, 0, 0, 0, 0, 1, 2, 3}
	if _, _, _, ok := h.parseVideoTag(vp6, 0); ok {
		t.Fatal("non-AVC tag produced a frame")
	}
	if !h.warned {
		t.Error("expected a one-time warning for non-AVC video")
	}
}

func TestRTMPHandlerForwardsLatestPublisher(t *testing.T) {
	ctx := context.Background()
	frames := make(chan uvcout.FrameBuffer, 8)
	var active atomic.Pointer[rtmpHandler]

	newHandler := func() *rtmpHandler {
		return &rtmpHandler{ctx: ctx, log: zerolog.Nop(), frames: frames, active: &active}
	}
	publish := func(h *rtmpHandler, name string) {
		t.Helper()
		if err := h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: name}); err != nil {
			t.Fatalf("OnPublish: %v", err)
		}
		seq := flvVideoTag(true, flvAVCSequenceHeader, 0, avcDecoderConfig(testSPS, testPPS))
		if err := h.OnVideo(0, bytes.NewReader(seq)); err != nil {
			t.Fatalf("OnVideo(sequence header): %v", err)
		}
	}
	video := func(h *rtmpHandler, ts uint32) {
		t.Helper()
		if err := h.OnVideo(ts, bytes.NewReader(flvVideoTag(true, flvAVCNALU, 0, avcc(testIDRSlice)))); err != nil {
			t.Fatalf("OnVideo: %v", err)
		}
	}

	first, second := newHandler(), newHandler()
	publish(first, "a")
	video(first, 10)
	publish(second, "b")
	video(first, 20) // replaced, dropped
	video(second, 30)
	second.OnClose()
	video(second, 40) // closed, dropped

	if len(frames) != 2 {
		t.Fatalf("forwarded %d frames, want 2", len(frames))
	}
	if f := <-frames; f.TimestampUs != 10_000 || f.Flags&FlagKeyframe == 0 {
		t.Errorf("first frame = ts %d flags %d", f.TimestampUs, f.Flags)
	}
	if f := <-frames; f.TimestampUs != 30_000 {
		t.Errorf("second frame ts = %d, want 30000", f.TimestampUs)
	}
	if active.Load() != nil {
		t.Error("active publisher not cleared on close")
	}
}
