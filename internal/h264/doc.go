// Package h264 implements the small slice of H.264 Annex B parsing the
// sender needs: start-code scanning, NAL unit splitting, and IDR detection.
// It does not decode or validate bitstream semantics.
package h264
