package transport

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
	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/faults"
)

type capturedPacket struct {
	src     net.IP
	srcPort int
	payload string
}

// writeCapture writes packets as Ethernet/IPv4/UDP frames to a pcap file.
func writeCapture(t *testing.T, packets []capturedPacket) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range packets {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    p.src,
			DstIP:    net.IPv4(192, 168, 10, 2),
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.srcPort), DstPort: 40000}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p.payload)))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * 20 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestLoadReplay(t *testing.T) {
	t.Parallel()

	board := net.IPv4(192, 168, 10, 10)
	path := writeCapture(t, []capturedPacket{
		{board, 5101, "OK <STATUS>\nM1 pattern=2\nEMERGENCY value=off"},
		{board, 5101, "OK <REQ>\nM1 p=0.1 v=0 t=0"},
		{net.IPv4(192, 168, 11, 10), 5101, "OK <REQ>\nM9 p=9 v=9 t=9"},
		{board, 5101, "not a reply"},
		{board, 6000, "OK <REQ>\nM1 p=7 v=7 t=7"},
		{board, 5101, "OK <REQ>\nM1 p=0.2 v=0 t=0"},
	})

	r, err := LoadReplay(path, "front", &net.UDPAddr{IP: board, Port: 5101}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len(CmdStatus))
	assert.Equal(t, 2, r.Len(CmdRequest))

	ctx := context.Background()
	b := NewUDPBoard("front", r, WithLogger(zap.NewNop()))
	require.NoError(t, b.Start(ctx, []int{1}), "acks are synthesized")

	reply, err := b.Request(ctx, []int{1})
	require.NoError(t, err)
	assert.Contains(t, reply, "p=0.1")
	reply, err = b.Request(ctx, []int{1})
	require.NoError(t, err)
	assert.Contains(t, reply, "p=0.2")

	_, err = b.Request(ctx, []int{1})
	assert.ErrorIs(t, err, faults.ErrTransport, "capture exhausted")
}

func TestLoadReplay_Loop(t *testing.T) {
	t.Parallel()

	path := writeCapture(t, []capturedPacket{
		{net.IPv4(10, 0, 0, 1), 5101, "OK <REQ>\nM1 p=1 v=0 t=0"},
		{net.IPv4(10, 0, 0, 2), 5101, "OK <REQ>\nM1 p=2 v=0 t=0"},
	})
	// A zero IP matches any host on the port.
	r, err := LoadReplay(path, "front", &net.UDPAddr{Port: 5101}, true)
	require.NoError(t, err)

	b := NewUDPBoard("front", r, WithLogger(zap.NewNop()))
	var got []string
	for range 3 {
		reply, err := b.Request(context.Background(), []int{1})
		require.NoError(t, err)
		got = append(got, reply)
	}
	assert.Equal(t, []string{
		"OK <REQ>\nM1 p=1 v=0 t=0",
		"OK <REQ>\nM1 p=2 v=0 t=0",
		"OK <REQ>\nM1 p=1 v=0 t=0",
	}, got)
}

func TestLoadReplay_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadReplay(filepath.Join(t.TempDir(), "missing.pcap"), "front", nil, false)
	assert.ErrorContains(t, err, "failed to open capture")

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture"), 0o644))
	_, err = LoadReplay(junk, "front", nil, false)
	assert.ErrorContains(t, err, "neither pcap")
}

func TestReplay_Closed(t *testing.T) {
	t.Parallel()

	r := NewReplay("rear", nil, false)
	require.NoError(t, r.Close())
	_, err := r.Write([]byte("STATUS"))
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, "replay-rear", r.RemoteAddr().String())
}
