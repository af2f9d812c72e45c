package ingest

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvcout"
)

func TestRTPSourceReceivesAccessUnits(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	src := &RTPSource{PayloadType: 96}
	frames := make(chan uvcout.FrameBuffer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.serve(ctx, conn, func(f uvcout.FrameBuffer) { frames <- f }, zerolog.Nop())
	}()

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sender.Close()

	send := func(pt uint8, ts uint32, payload []byte) {
		t.Helper()
		p := rtpPacket(ts, true, payload...)
		p.PayloadType = pt
		raw, err := p.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if _, err := sender.Write(raw); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	send(97, 1000, testPSlice) // filtered by payload type
	send(96, 90000, testIDRSlice)
	send(96, 93000, testPSlice)

	var got []uvcout.FrameBuffer
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d frames before timeout", len(got))
		}
	}

	if !bytes.Equal(got[0].Data, annexB(testIDRSlice)) || got[0].Flags&FlagKeyframe == 0 {
		t.Errorf("first frame = %x flags %d", got[0].Data, got[0].Flags)
	}
	if got[0].TimestampUs != 0 {
		t.Errorf("first ts = %d, want 0", got[0].TimestampUs)
	}
	if got[1].TimestampUs != 33_333 {
		t.Errorf("second ts = %d, want 33333", got[1].TimestampUs)
	}

	cancel()
	conn.Close()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after close")
	}
}

func TestRTPSourceRunStopsOnCancel(t *testing.T) {
	src := &RTPSource{Addr: "127.0.0.1:0", Logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(uvcout.FrameBuffer) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
