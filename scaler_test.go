package uvcout

import (
	"image"
	"testing"
)

func TestVideoScaler_Sizes(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH int
		dstW, dstH int
	}{
		{"downscale", 1280, 720, 640, 360},
		{"upscale", 320, 240, 640, 480},
		{"same size", 640, 480, 640, 480},
		{"aspect change", 1920, 1080, 640, 480},
		{"odd destination", 640, 480, 321, 241},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewVideoScaler(tt.srcW, tt.srcH, tt.dstW, tt.dstH)
			if err != nil {
				t.Fatalf("NewVideoScaler: %v", err)
			}
			dst := s.NewOutputImage()
			if err := s.ScaleInto(createGradientFrame(tt.srcW, tt.srcH), dst); err != nil {
				t.Fatalf("ScaleInto: %v", err)
			}
			if dst.Rect.Dx() != tt.dstW || dst.Rect.Dy() != tt.dstH {
				t.Errorf("Expected %dx%d, got %dx%d", tt.dstW, tt.dstH, dst.Rect.Dx(), dst.Rect.Dy())
			}
			// Neutral chroma must stay neutral after interpolation.
			for i, v := range dst.Cb {
				if v != 128 || dst.Cr[i] != 128 {
					t.Fatalf("chroma[%d] = %d/%d, want 128", i, v, dst.Cr[i])
				}
			}
		})
	}
}

func TestVideoScaler_SameSizeCopies(t *testing.T) {
	frame := createGradientFrame(64, 32)
	s, err := NewVideoScaler(64, 32, 64, 32)
	if err != nil {
		t.Fatal(err)
	}
	dst := s.NewOutputImage()
	if err := s.ScaleInto(frame, dst); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			if got, want := dst.Y[y*dst.YStride+x], frame.Data[0][y*64+x]; got != want {
				t.Fatalf("Y(%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
}

func TestVideoScaler_GradientMonotonic(t *testing.T) {
	s, err := NewVideoScaler(1280, 720, 320, 180)
	if err != nil {
		t.Fatal(err)
	}
	dst := s.NewOutputImage()
	if err := s.ScaleInto(createGradientFrame(1280, 720), dst); err != nil {
		t.Fatal(err)
	}
	row := dst.Y[90*dst.YStride : 90*dst.YStride+320]
	for x := 1; x < len(row); x++ {
		if row[x] < row[x-1] {
			t.Fatalf("gradient not monotonic at x=%d: %d < %d", x, row[x], row[x-1])
		}
	}
}

func TestVideoScaler_Errors(t *testing.T) {
	if _, err := NewVideoScaler(0, 480, 640, 480); err == nil {
		t.Error("expected error for zero source width")
	}

	s, err := NewVideoScaler(640, 480, 320, 240)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ScaleInto(createGradientFrame(320, 240), s.NewOutputImage()); err == nil {
		t.Error("expected error for frame size mismatch")
	}
	wrong := image.NewYCbCr(image.Rect(0, 0, 100, 100), image.YCbCrSubsampleRatio420)
	if err := s.ScaleInto(createGradientFrame(640, 480), wrong); err == nil {
		t.Error("expected error for destination size mismatch")
	}
	nv12 := createGradientFrame(640, 480)
	nv12.Format = PixelFormatNV12
	if err := s.ScaleInto(nv12, s.NewOutputImage()); err == nil {
		t.Error("expected error for NV12 input")
	}
}

func createGradientFrame(width, height int) *VideoFrame {
	buf := NewVideoFrameBuffer(width, height)

	// Horizontal luma gradient, neutral chroma
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			buf.Y[y*buf.StrideY+x] = byte(x * 255 / width)
		}
	}
	for i := range buf.U {
		buf.U[i] = 128
		buf.V[i] = 128
	}

	frame := buf.ToVideoFrame()
	return &frame
}

func BenchmarkVideoScaler_1080pTo720p(b *testing.B) {
	frame := createGradientFrame(1920, 1080)
	s, _ := NewVideoScaler(1920, 1080, 1280, 720)
	dst := s.NewOutputImage()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.ScaleInto(frame, dst)
	}
}
