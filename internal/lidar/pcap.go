package lidar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/amr.controller/internal/monitoring"
)

// PcapSource replays scan packets from a capture file. It reads classic
// pcap files with the pure-Go reader so replay needs no libpcap.
type PcapSource struct {
	Path string
	// Port filters UDP packets by destination port; zero accepts any port.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
}

// Run replays the capture once and returns nil at end of file.
func (p *PcapSource) Run(ctx context.Context, handle func(Scan)) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", p.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header from %s: %w", p.Path, err)
	}

	var (
		packetCount int
		scanCount   int
		first       time.Time
		wallStart   time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("lidar: PCAP replay complete: %d packets, %d scans", packetCount, scanCount)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read PCAP packet %d: %w", packetCount+1, err)
		}
		packetCount++

		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if p.Port != 0 && int(udp.DstPort) != p.Port {
			continue
		}

		ranges, err := ParsePacket(udp.Payload)
		if err != nil {
			monitoring.Logf("lidar: skipping PCAP packet %d: %v", packetCount, err)
			continue
		}

		if p.Realtime {
			if first.IsZero() {
				first, wallStart = ci.Timestamp, time.Now()
			} else if wait := ci.Timestamp.Sub(first) - time.Since(wallStart); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		scanCount++
		handle(Scan{Timestamp: ci.Timestamp, Ranges: ranges})
	}
}
