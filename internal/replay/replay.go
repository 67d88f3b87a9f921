// Package replay feeds detection datagrams from a packet capture back into
// the ingestion path, optionally at the pace they were captured.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/radarhub/internal/monitoring"
	"github.com/banshee-data/radarhub/internal/network"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Options controls a replay.
type Options struct {
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// Speed multiplies the capture pace when Realtime is set. Zero means 1.
	Speed float64
	Stats network.PacketStatsInterface
}

// Result summarises a replay.
type Result struct {
	Packets   int // packets read from the capture
	Delivered int // UDP payloads handed to the handler
	Span      time.Duration
}

// ReadPCAPFile replays every UDP payload addressed to port (any port when
// port is 0) from a pcap or pcapng file.
func ReadPCAPFile(ctx context.Context, path string, port int, handler network.Handler, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	res, err := ReadPCAP(ctx, f, port, handler, opts)
	if err != nil {
		return res, err
	}
	monitoring.Logf("PCAP replay of %s complete: %d packets, %d detections, capture span %v",
		path, res.Packets, res.Delivered, res.Span)
	return res, nil
}

// ReadPCAP is ReadPCAPFile over an already open capture stream.
func ReadPCAP(ctx context.Context, r io.Reader, port int, handler network.Handler, opts Options) (Result, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read capture header: %w", err)
	}

	var (
		source   gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open pcapng stream: %w", err)
		}
		source, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return Result{}, fmt.Errorf("failed to open pcap stream: %w", err)
		}
		source, linkType = pr, pr.LinkType()
	}

	stats := opts.Stats
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	var (
		res       Result
		first     time.Time
		wallStart time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		data, ci, err := source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if port != 0 && int(udp.DstPort) != port {
			continue
		}

		if first.IsZero() {
			first = ci.Timestamp
			wallStart = time.Now()
		}
		res.Span = ci.Timestamp.Sub(first)

		if opts.Realtime {
			due := wallStart.Add(time.Duration(float64(res.Span) / speed))
			if err := sleepUntil(ctx, due); err != nil {
				return res, err
			}
		}

		payload := make([]byte, len(udp.Payload))
		copy(payload, udp.Payload)
		if stats != nil {
			stats.AddPacket(len(payload))
		}
		handler(payload)
		res.Delivered++
	}
}

func sleepUntil(ctx context.Context, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
