package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// RTP H.264 payload types (RFC 6184).
const (
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

var errFUATooShort = errors.New("FU-A packet too short")

// H264Depacketizer reassembles Annex-B access units from RTP packets
// carrying H.264 in single NAL, STAP-A or FU-A mode. An access unit is
// complete when the marker bit is set. Not safe for concurrent use.
type H264Depacketizer struct {
	frameData   []byte // Annex-B data of the current access unit
	fuaBuffer   []byte // NAL being reassembled from FU-A fragments
	fragmenting bool
	keyframe    bool
	timestamp   uint32
	started     bool
}

// NewH264Depacketizer creates a depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize consumes one packet. It returns a copy of the access unit when
// pkt completes one, or nil otherwise.
func (d *H264Depacketizer) Depacketize(pkt *rtp.Packet) (au []byte, keyframe bool, err error) {
	if len(pkt.Payload) == 0 {
		return nil, false, nil
	}

	// A new timestamp without a marker on the previous packet means the
	// end of the last access unit was lost.
	if d.started && d.timestamp != pkt.Timestamp {
		d.reset()
	}
	d.timestamp = pkt.Timestamp
	d.started = true

	nalType := pkt.Payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= 23:
		d.appendNAL(pkt.Payload)
	case nalType == nalTypeSTAPA:
		d.depacketizeSTAPA(pkt.Payload)
	case nalType == nalTypeFUA:
		if err := d.depacketizeFUA(pkt.Payload); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, fmt.Errorf("unsupported NAL type: %d", nalType)
	}

	if !pkt.Marker || len(d.frameData) == 0 {
		return nil, false, nil
	}

	au = make([]byte, len(d.frameData))
	copy(au, d.frameData)
	keyframe = d.keyframe
	d.reset()
	return au, keyframe, nil
}

// DepacketizeBytes unmarshals and consumes a raw RTP packet.
func (d *H264Depacketizer) DepacketizeBytes(data []byte) ([]byte, bool, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, false, err
	}
	return d.Depacketize(&pkt)
}

func (d *H264Depacketizer) appendNAL(nal []byte) {
	if nal[0]&0x1F == nalTypeIDR {
		d.keyframe = true
	}
	d.frameData = append(d.frameData, 0, 0, 0, 1)
	d.frameData = append(d.frameData, nal...)
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) {
	for offset := 1; offset+2 <= len(payload); {
		size := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if size == 0 || offset+size > len(payload) {
			return
		}
		d.appendNAL(payload[offset : offset+size])
		offset += size
	}
}

func (d *H264Depacketizer) depacketizeFUA(payload []byte) error {
	if len(payload) < 2 {
		return errFUATooShort
	}

	indicator, header := payload[0], payload[1]
	isStart := header&0x80 != 0
	isEnd := header&0x40 != 0

	if isStart {
		// Rebuild the NAL header from the indicator's F/NRI bits
		d.fuaBuffer = append(d.fuaBuffer[:0], indicator&0xE0|header&0x1F)
		d.fragmenting = true
	}
	if !d.fragmenting {
		return nil
	}

	d.fuaBuffer = append(d.fuaBuffer, payload[2:]...)
	if isEnd {
		d.appendNAL(d.fuaBuffer)
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fragmenting = false
	}
	return nil
}

func (d *H264Depacketizer) reset() {
	d.frameData = d.frameData[:0]
	d.fuaBuffer = d.fuaBuffer[:0]
	d.fragmenting = false
	d.keyframe = false
}

// Reset drops any partially assembled access unit.
func (d *H264Depacketizer) Reset() {
	d.reset()
	d.started = false
	d.timestamp = 0
}
