package waterfall

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/listening-post/internal/spectrum"
)

const (
	// FrameTypeSpectrum tags a spectrum row
	FrameTypeSpectrum byte = 0x01

	// HeaderSize is the fixed part of a binary frame: tag, start, end and bin count
	HeaderSize = 11
)

var (
	// ErrTruncatedFrame is returned for frames shorter than their header announces
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrUnknownFrameType is returned for frames with an unsupported tag
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrEmptyFrame is returned for frames without bins
	ErrEmptyFrame = errors.New("empty frame")

	// ErrInvalidRange is returned for frames whose frequency range is not finite and increasing
	ErrInvalidRange = errors.New("invalid frame range")
)

// DecodeFrame decodes a little-endian binary spectrum row:
//
//	byte 0       frame type tag (0x01)
//	bytes 1-4    start frequency, float32
//	bytes 5-8    end frequency, float32
//	bytes 9-10   bin count, uint16
//	bytes 11..   bin count amplitudes, uint8
//
// Trailing bytes after the bins are ignored. The returned frame owns its bins.
func DecodeFrame(data []byte) (spectrum.Frame, error) {
	if len(data) < HeaderSize {
		return spectrum.Frame{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncatedFrame, len(data), HeaderSize)
	}
	if data[0] != FrameTypeSpectrum {
		return spectrum.Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, data[0])
	}

	count := int(binary.LittleEndian.Uint16(data[9:11]))
	if count == 0 {
		return spectrum.Frame{}, ErrEmptyFrame
	}
	if len(data) < HeaderSize+count {
		return spectrum.Frame{}, fmt.Errorf("%w: %d bytes, %d bins announced", ErrTruncatedFrame, len(data), count)
	}

	start := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[1:5])))
	end := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[5:9])))
	if err := checkRange(start, end); err != nil {
		return spectrum.Frame{}, err
	}

	bins := make([]byte, count)
	copy(bins, data[HeaderSize:HeaderSize+count])

	return spectrum.Frame{
		Timestamp:      time.Now(),
		StartFrequency: start,
		EndFrequency:   end,
		Bins:           bins,
	}, nil
}

func checkRange(start, end float64) error {
	if math.IsNaN(start) || math.IsInf(start, 0) || math.IsNaN(end) || math.IsInf(end, 0) || end <= start {
		return fmt.Errorf("%w: %g..%g", ErrInvalidRange, start, end)
	}
	return nil
}

// EncodeFrame is the inverse of DecodeFrame. Frequencies are narrowed to float32.
func EncodeFrame(f spectrum.Frame) []byte {
	count := min(len(f.Bins), math.MaxUint16)

	buf := make([]byte, HeaderSize+count)
	buf[0] = FrameTypeSpectrum
	binary.LittleEndian.PutUint32(buf[1:5], math.Float32bits(float32(f.StartFrequency)))
	binary.LittleEndian.PutUint32(buf[5:9], math.Float32bits(float32(f.EndFrequency)))
	binary.LittleEndian.PutUint16(buf[9:11], uint16(count))
	copy(buf[HeaderSize:], f.Bins[:count])
	return buf
}

// NormalizeMagnitudes quantises raw magnitudes to 0..255 using the minimum and
// maximum of the frame itself. A flat frame maps to zeros. Non-finite values are
// treated as the frame minimum.
func NormalizeMagnitudes(start, end float64, magnitudes []float64) (spectrum.Frame, error) {
	if len(magnitudes) == 0 {
		return spectrum.Frame{}, ErrEmptyFrame
	}
	if err := checkRange(start, end); err != nil {
		return spectrum.Frame{}, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, m := range magnitudes {
		if math.IsNaN(m) || math.IsInf(m, 0) {
			continue
		}
		lo = math.Min(lo, m)
		hi = math.Max(hi, m)
	}

	bins := make([]byte, len(magnitudes))
	if span := hi - lo; span > 0 {
		for i, m := range magnitudes {
			if math.IsNaN(m) || math.IsInf(m, 0) {
				continue
			}
			bins[i] = byte(math.Round((m - lo) / span * 255))
		}
	}

	return spectrum.Frame{
		Timestamp:      time.Now(),
		StartFrequency: start,
		EndFrequency:   end,
		Bins:           bins,
	}, nil
}
