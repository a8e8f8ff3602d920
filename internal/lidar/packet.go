package lidar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Packet layout, little-endian:
//
//	0..3   magic "AMRL"
//	4..5   beam count n
//	6..    n ranges in millimetres, 0 = no return
const (
	packetMagic  = "AMRL"
	headerSize   = 6
	maxBeamRange = math.MaxUint16 // mm
)

var (
	ErrBadMagic     = errors.New("lidar packet has bad magic")
	ErrShortPacket  = errors.New("lidar packet is truncated")
	ErrEmptyPacket  = errors.New("lidar packet carries no beams")
	ErrTooManyBeams = errors.New("too many beams for one packet")
)

// MaxBeams bounds a packet to a single UDP datagram.
const MaxBeams = 4096

// ParsePacket decodes one UDP payload into ranges in metres.
func ParsePacket(b []byte) ([]float64, error) {
	if len(b) < headerSize {
		return nil, ErrShortPacket
	}
	if string(b[:4]) != packetMagic {
		return nil, ErrBadMagic
	}
	n := int(binary.LittleEndian.Uint16(b[4:6]))
	if n == 0 {
		return nil, ErrEmptyPacket
	}
	if n > MaxBeams {
		return nil, fmt.Errorf("%w: %d", ErrTooManyBeams, n)
	}
	if len(b) < headerSize+2*n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortPacket, headerSize+2*n, len(b))
	}

	ranges := make([]float64, n)
	for i := range ranges {
		mm := binary.LittleEndian.Uint16(b[headerSize+2*i:])
		ranges[i] = float64(mm) / 1000
	}
	return ranges, nil
}

// EncodePacket renders ranges in metres as a packet. Negative, non-finite
// or out-of-range values encode as "no return".
func EncodePacket(ranges []float64) ([]byte, error) {
	if len(ranges) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(ranges) > MaxBeams {
		return nil, fmt.Errorf("%w: %d", ErrTooManyBeams, len(ranges))
	}

	b := make([]byte, headerSize+2*len(ranges))
	copy(b, packetMagic)
	binary.LittleEndian.PutUint16(b[4:], uint16(len(ranges)))
	for i, r := range ranges {
		var mm uint16
		if r > 0 && !math.IsInf(r, 0) && r*1000 <= maxBeamRange {
			mm = uint16(math.Round(r * 1000))
		}
		binary.LittleEndian.PutUint16(b[headerSize+2*i:], mm)
	}
	return b, nil
}
