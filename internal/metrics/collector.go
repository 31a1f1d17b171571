package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds current system metrics snapshot
type SystemMetrics struct {
	CPUPercent        float64 // System-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // This process CPU usage, can exceed 100% on multi-core
	ProcessRSSMB      float64
	MemoryPercent     float64
	NetRecvKBps       float64 // Crawls are bound by the network, not the disk
	NetSentKBps       float64
	CacheFreeGB       float64 // Free space on the volume holding the tile cache
	CacheUsedPercent  float64
	Timestamp         time.Time
}

// Collector periodically collects and logs system metrics
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
	cacheDir string

	lastNet     net.IOCountersStat
	lastNetTime time.Time
	hasNet      bool

	mu          sync.RWMutex
	lastMetrics *SystemMetrics
}

// NewCollector creates a collector that also watches the volume of cacheDir
func NewCollector(interval time.Duration, cacheDir string, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	// Get handle to current process for CPU tracking
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
		cacheDir: cacheDir,
	}
}

// Start collects metrics until ctx is cancelled. It always returns nil so
// that it can run inside an errgroup next to the crawl.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First sample initializes the network baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return nil
		case <-ticker.C:
			c.collect()
		}
	}
}

// GetMetrics returns the last collected metrics
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

func (c *Collector) collect() {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			m.ProcessRSSMB = float64(mi.RSS) / (1024 * 1024)
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
	}

	m.NetRecvKBps, m.NetSentKBps = c.networkRates(m.Timestamp)

	if c.cacheDir != "" {
		if usage, err := disk.Usage(c.cacheDir); err == nil {
			m.CacheFreeGB = float64(usage.Free) / (1024 * 1024 * 1024)
			m.CacheUsedPercent = usage.UsedPercent
		}
	}

	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", m.CPUPercent),
		zap.Float64("proc_cpu", m.ProcessCPUPercent),
		zap.String("rss", fmt.Sprintf("%.1f MB", m.ProcessRSSMB)),
		zap.Float64("mem_pct", m.MemoryPercent),
		zap.String("net_in", formatKBps(m.NetRecvKBps)),
		zap.String("net_out", formatKBps(m.NetSentKBps)),
		zap.String("cache_free", fmt.Sprintf("%.1f GB", m.CacheFreeGB)),
	)
}

// networkRates returns receive/send rates since the previous call
func (c *Collector) networkRates(now time.Time) (recv, sent float64) {
	counters, err := net.IOCounters(false) // false = aggregate across interfaces
	if err != nil || len(counters) == 0 {
		return 0, 0
	}
	current := counters[0]

	if !c.hasNet {
		c.lastNet, c.lastNetTime, c.hasNet = current, now, true
		return 0, 0
	}

	elapsed := now.Sub(c.lastNetTime).Seconds()
	last := c.lastNet
	c.lastNet, c.lastNetTime = current, now
	if elapsed < 0.1 {
		return 0, 0
	}

	// counters can reset when an interface goes away
	if current.BytesRecv >= last.BytesRecv {
		recv = float64(current.BytesRecv-last.BytesRecv) / elapsed / 1024
	}
	if current.BytesSent >= last.BytesSent {
		sent = float64(current.BytesSent-last.BytesSent) / elapsed / 1024
	}
	return recv, sent
}

func formatKBps(kbps float64) string {
	if kbps >= 1024 {
		return fmt.Sprintf("%.1f MB/s", kbps/1024)
	}
	return fmt.Sprintf("%.1f KB/s", kbps)
}
