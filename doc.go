// Package uvcout delivers video frames to a V4L2 output device, typically a
// v4l2loopback node that other applications open as a webcam.
//
// Frames arrive one at a time through Output.OutputBuffer. The first
// classifiable buffer fixes the stream format:
//
//   - Motion-JPEG (SOI at the start, EOI at the end) is written as-is.
//   - H.264 Annex-B access units are decoded, scaled to the negotiated device
//     size and re-encoded as baseline JPEG before writing.
//
// Every buffer is either written whole or dropped, and each drop is counted
// once under a DropReason. Dropping a frame never stops the stream.
//
// # Transcode providers
//
// H.264 decoding uses one of the registered providers:
//
//   - ffmpeg: libavcodec/libswscale through go-astiav (needs cgo; build tag
//     noffmpeg disables it)
//   - openh264: OpenH264 loaded at runtime with purego, scaled and encoded in
//     Go (build tag noopenh264 disables it)
//
// ProviderAuto picks the first available one. Set UVCOUT_H264_LIB_PATH or
// UVCOUT_LIB_DIR to point at the OpenH264 shim library.
//
// # Sinks
//
// UVCOutput writes to a /dev/video node; FileOutput appends the same MJPEG
// frames to a file. Frame producers live in the ingest package.
package uvcout
