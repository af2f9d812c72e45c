// Package ingest produces frames for a uvcout.Output from files and network
// streams.
//
// Every Source emits owned buffers: the receiver may keep FrameBuffer.Data
// after emit returns. Sources call emit from the goroutine running Run.
package ingest

import (
	"context"
	"errors"

	"github.com/thesyncim/uvcout"
)

// Flags carried in uvcout.FrameBuffer.Flags.
const (
	FlagKeyframe uint32 = 1 << 0
)

// ErrUnsupportedCodec is returned for streams that carry neither H.264 nor
// Motion-JPEG.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Source produces frames until ctx is cancelled or the input ends.
type Source interface {
	Run(ctx context.Context, emit func(uvcout.FrameBuffer)) error
}
