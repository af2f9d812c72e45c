package uvcout

// JPEG markers.
const (
	jpegMarker = 0xFF
	jpegSOI    = 0xD8 // start of image
	jpegEOI    = 0xD9 // end of image
)

// minClassifyLen is the shortest buffer Classify will look at.
const minClassifyLen = 4

// Classify determines the encoding of a frame from its first and last bytes.
//
// Rules, first match wins:
//   - fewer than 4 bytes: ErrInsufficientData
//   - JPEG SOI (FF D8) at the start and EOI (FF D9) at the end: MJPEG
//   - 4-byte Annex-B start code 00 00 00 01: H.264
//   - 3-byte Annex-B start code 00 00 01: H.264
//   - anything else: ErrUnrecognizedFormat
func Classify(data []byte) (InputFormat, error) {
	if len(data) < minClassifyLen {
		return InputFormatUnknown, ErrInsufficientData
	}
	if isJPEGFrame(data) {
		return InputFormatMJPEG, nil
	}
	if isAnnexBStartCode(data) {
		return InputFormatH264, nil
	}
	return InputFormatUnknown, ErrUnrecognizedFormat
}

// isJPEGFrame checks for a complete JPEG image: SOI at the start, EOI at the end.
func isJPEGFrame(data []byte) bool {
	if len(data) < minClassifyLen {
		return false
	}
	if data[0] != jpegMarker || data[1] != jpegSOI {
		return false
	}
	n := len(data)
	return data[n-2] == jpegMarker && data[n-1] == jpegEOI
}

// isAnnexBStartCode checks for H.264 Annex-B start codes.
// Per ITU-T H.264 Annex B, NAL units are prefixed with:
//   - 4-byte start code: 0x00000001 (used at stream start and after certain NALUs)
//   - 3-byte start code: 0x000001 (used between NALUs)
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return false
}

// getNALType extracts the type of the first NAL unit of Annex-B data.
// Per ITU-T H.264 Section 7.3.1 the type is the low 5 bits of the NAL header.
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}
