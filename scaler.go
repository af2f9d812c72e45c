package uvcout

import (
	"fmt"
	"image"
)

// VideoScaler resizes I420 frames into a 4:2:0 image.YCbCr of fixed size.
// It is rebuilt whenever the source size changes.
type VideoScaler struct {
	srcWidth, srcHeight int
	dstWidth, dstHeight int
}

// NewVideoScaler creates a scaler for the given dimensions.
func NewVideoScaler(srcWidth, srcHeight, dstWidth, dstHeight int) (*VideoScaler, error) {
	if srcWidth <= 0 || srcHeight <= 0 || dstWidth <= 0 || dstHeight <= 0 {
		return nil, fmt.Errorf("invalid scale %dx%d -> %dx%d", srcWidth, srcHeight, dstWidth, dstHeight)
	}
	return &VideoScaler{
		srcWidth:  srcWidth,
		srcHeight: srcHeight,
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
	}, nil
}

// NewOutputImage allocates a destination image matching the scaler output.
func (s *VideoScaler) NewOutputImage() *image.YCbCr {
	return image.NewYCbCr(image.Rect(0, 0, s.dstWidth, s.dstHeight), image.YCbCrSubsampleRatio420)
}

// ScaleInto scales frame into dst, which must be a 4:2:0 image of the
// destination size.
func (s *VideoScaler) ScaleInto(frame *VideoFrame, dst *image.YCbCr) error {
	if frame.Width != s.srcWidth || frame.Height != s.srcHeight {
		return fmt.Errorf("frame is %dx%d, scaler built for %dx%d", frame.Width, frame.Height, s.srcWidth, s.srcHeight)
	}
	if frame.Format != PixelFormatI420 {
		return fmt.Errorf("unsupported pixel format %v", frame.Format)
	}
	if len(frame.Data) < 3 || len(frame.Stride) < 3 {
		return fmt.Errorf("frame has %d planes, want 3", len(frame.Data))
	}
	b := dst.Rect
	if b.Dx() != s.dstWidth || b.Dy() != s.dstHeight || dst.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return fmt.Errorf("destination is %dx%d %v", b.Dx(), b.Dy(), dst.SubsampleRatio)
	}

	srcCW, srcCH := chromaSize(s.srcWidth, s.srcHeight)
	dstCW, dstCH := chromaSize(s.dstWidth, s.dstHeight)

	scalePlane(frame.Data[0], frame.Stride[0], s.srcWidth, s.srcHeight, dst.Y, dst.YStride, s.dstWidth, s.dstHeight)
	scalePlane(frame.Data[1], frame.Stride[1], srcCW, srcCH, dst.Cb, dst.CStride, dstCW, dstCH)
	scalePlane(frame.Data[2], frame.Stride[2], srcCW, srcCH, dst.Cr, dst.CStride, dstCW, dstCH)
	return nil
}

// chromaSize returns the 4:2:0 chroma plane size, rounding up for odd sizes.
func chromaSize(w, h int) (int, int) {
	return (w + 1) / 2, (h + 1) / 2
}

// scalePlane scales a single plane using bilinear interpolation in 16.16
// fixed point.
func scalePlane(src []byte, srcStride, srcW, srcH int, dst []byte, dstStride, dstW, dstH int) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	if srcW == dstW && srcH == dstH {
		for y := 0; y < dstH; y++ {
			copy(dst[y*dstStride:y*dstStride+dstW], src[y*srcStride:y*srcStride+srcW])
		}
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		syFP := y * yRatio
		y0 := syFP >> 16
		yWeight := syFP & 0xFFFF
		y1 := y0 + 1
		if y1 >= srcH {
			y1 = y0
		}
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[y*dstStride : y*dstStride+dstW]

		for x := range out {
			sxFP := x * xRatio
			x0 := sxFP >> 16
			xWeight := sxFP & 0xFFFF
			x1 := x0 + 1
			if x1 >= srcW {
				x1 = x0
			}

			top := (int(row0[x0])*(0x10000-xWeight) + int(row0[x1])*xWeight) >> 16
			bottom := (int(row1[x0])*(0x10000-xWeight) + int(row1[x1])*xWeight) >> 16
			out[x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
		}
	}
}
