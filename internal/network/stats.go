package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddSent(bytes int)
	AddSendError()
	LogStats()
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) AddSent(int)   {}
func (noopStats) AddSendError() {}
func (noopStats) LogStats()     {}

// StatsSnapshot is the most recent logged interval plus running totals.
type StatsSnapshot struct {
	PacketsPerSec float64   `json:"packets_per_sec"`
	BytesPerSec   float64   `json:"bytes_per_sec"`
	Dropped       int64     `json:"dropped"`
	Sent          int64     `json:"sent"`
	SendErrors    int64     `json:"send_errors"`
	TotalPackets  int64     `json:"total_packets"`
	TotalDropped  int64     `json:"total_dropped"`
	TotalSent     int64     `json:"total_sent"`
	Uptime        string    `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}

// PacketStats tracks datagram statistics for the detection listener and the
// command sender with thread-safe operations. Dropped counts datagrams that
// arrived but did not carry a usable detection.
type PacketStats struct {
	mu         sync.Mutex
	packets    int64
	bytes      int64
	dropped    int64
	sent       int64
	sentBytes  int64
	sendErrors int64

	totalPackets int64
	totalDropped int64
	totalSent    int64

	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *StatsSnapshot
}

// NewPacketStats creates a new PacketStats instance
func NewPacketStats() *PacketStats {
	now := time.Now()
	return &PacketStats{
		lastReset: now,
		startTime: now,
	}
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.totalPackets++
	ps.bytes += int64(bytes)
}

// AddDropped counts one received datagram that was discarded.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
	ps.totalDropped++
}

// AddSent counts one outbound command datagram.
func (ps *PacketStats) AddSent(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sent++
	ps.totalSent++
	ps.sentBytes += int64(bytes)
}

// AddSendError counts one outbound datagram that could not be written or
// addressed.
func (ps *PacketStats) AddSendError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sendErrors++
}

type interval struct {
	packets, bytes, dropped, sent, sentBytes, sendErrors int64
	duration                                             time.Duration
}

// getAndReset returns the current interval counters and resets them.
func (ps *PacketStats) getAndReset() interval {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	iv := interval{
		packets:    ps.packets,
		bytes:      ps.bytes,
		dropped:    ps.dropped,
		sent:       ps.sent,
		sentBytes:  ps.sentBytes,
		sendErrors: ps.sendErrors,
		duration:   now.Sub(ps.lastReset),
	}
	ps.packets, ps.bytes, ps.dropped = 0, 0, 0
	ps.sent, ps.sentBytes, ps.sendErrors = 0, 0, 0
	ps.lastReset = now
	return iv
}

// LogStats logs formatted statistics and stores snapshot for web interface
func (ps *PacketStats) LogStats() {
	iv := ps.getAndReset()
	secs := iv.duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	packetsPerSec := float64(iv.packets) / secs
	bytesPerSec := float64(iv.bytes) / secs

	ps.mu.Lock()
	ps.latestSnapshot = &StatsSnapshot{
		PacketsPerSec: packetsPerSec,
		BytesPerSec:   bytesPerSec,
		Dropped:       iv.dropped,
		Sent:          iv.sent,
		SendErrors:    iv.sendErrors,
		TotalPackets:  ps.totalPackets,
		TotalDropped:  ps.totalDropped,
		TotalSent:     ps.totalSent,
		Uptime:        humanize.RelTime(ps.startTime, time.Now(), "", ""),
		Timestamp:     time.Now(),
	}
	ps.mu.Unlock()

	if iv.packets == 0 && iv.dropped == 0 && iv.sent == 0 && iv.sendErrors == 0 {
		return
	}

	msg := fmt.Sprintf("Detection stats (/sec): %s, %.1f datagrams",
		humanize.Bytes(uint64(bytesPerSec)), packetsPerSec)
	if iv.dropped > 0 {
		msg += fmt.Sprintf(", %s malformed", humanize.Comma(iv.dropped))
	}
	if iv.sent > 0 {
		msg += fmt.Sprintf(", %d commands sent (%s)", iv.sent, humanize.Bytes(uint64(iv.sentBytes)))
	}
	if iv.sendErrors > 0 {
		msg += fmt.Sprintf(", %d send errors", iv.sendErrors)
	}
	monitoring.Logf("%s", msg)
}

// Uptime returns the time since the stats were created
func (ps *PacketStats) Uptime() time.Duration {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return time.Since(ps.startTime)
}

// LatestSnapshot returns the most recent stats snapshot for web interface
func (ps *PacketStats) LatestSnapshot() *StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.latestSnapshot == nil {
		return nil
	}
	snapshot := *ps.latestSnapshot
	return &snapshot
}

// Totals returns the running totals without resetting the interval.
func (ps *PacketStats) Totals() (packets, dropped, sent int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.totalPackets, ps.totalDropped, ps.totalSent
}
