package lidar

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/sim"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUDPSource(t *testing.T) {
	src := NewUDPSource("127.0.0.1:0")
	require.NoError(t, src.Listen())
	addr := src.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	scans := make(chan Scan, 4)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(s Scan) { scans <- s }) }()

	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	pkt, err := EncodePacket([]float64{1.5, 2.5})
	require.NoError(t, err)
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	select {
	case s := <-scans:
		assert.Equal(t, []float64{1.5, 2.5}, s.Ranges)
		assert.False(t, s.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no scan received")
	}

	packets, dropped := src.Stats()
	assert.Equal(t, 1, packets)
	assert.Equal(t, 1, dropped)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("UDP source did not stop")
	}
}

func writeCapture(t *testing.T, port uint16, payloads ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scans.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 201),
			DstIP:    net.IPv4(192, 168, 1, 10),
		}
		udp := &layers.UDP{SrcPort: 2368, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPcapSourceReplays(t *testing.T) {
	a, err := EncodePacket([]float64{1, 2})
	require.NoError(t, err)
	b, err := EncodePacket([]float64{3})
	require.NoError(t, err)
	path := writeCapture(t, 2369, a, []byte("noise"), b)

	var got []Scan
	src := &PcapSource{Path: path, Port: 2369}
	require.NoError(t, src.Run(context.Background(), func(s Scan) { got = append(got, s) }))

	require.Len(t, got, 2)
	assert.Equal(t, []float64{1, 2}, got[0].Ranges)
	assert.Equal(t, []float64{3}, got[1].Ranges)
	assert.Equal(t, 200*time.Millisecond, got[1].Timestamp.Sub(got[0].Timestamp))
}

func TestPcapSourceFiltersPort(t *testing.T) {
	a, err := EncodePacket([]float64{1})
	require.NoError(t, err)
	path := writeCapture(t, 9999, a)

	count := 0
	src := &PcapSource{Path: path, Port: 2369}
	require.NoError(t, src.Run(context.Background(), func(Scan) { count++ }))
	assert.Zero(t, count)
}

func TestPcapSourceMissingFile(t *testing.T) {
	src := &PcapSource{Path: filepath.Join(t.TempDir(), "missing.pcap")}
	assert.ErrorContains(t, src.Run(context.Background(), func(Scan) {}), "failed to open PCAP file")
}

func TestSimSource(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	src := NewSimSource(sim.DefaultRoom(), func() robot.Pose { return robot.Pose{X: 2, Y: 5, Theta: 180} })
	src.Clock = clock

	scan := src.ScanAt(robot.Pose{X: 2, Y: 5, Theta: 180}, clock.Now())
	require.Len(t, scan.Ranges, 360)
	// facing the west wall 2 m away; the east wall is out of range
	assert.InDelta(t, 2.0, scan.Ranges[0], 1e-9)
	assert.Zero(t, scan.Ranges[180])
	assert.InDelta(t, 5.0, scan.Ranges[90], 1e-9)

	ctx, cancel := context.WithCancel(context.Background())
	scans := make(chan Scan, 1)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(s Scan) { scans <- s }) }()

	require.Eventually(t, func() bool {
		clock.Advance(src.Period)
		select {
		case s := <-scans:
			return len(s.Ranges) == 360
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
