package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// cpuSample is the busy/total CPU seconds at one instant.
type cpuSample struct {
	busy, total float64
}

func readCPU(fs procfs.FS) (cpuSample, error) {
	stat, err := fs.Stat()
	if err != nil {
		return cpuSample{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return cpuSample{busy: busy, total: busy + idle}, nil
}

// basisPoints converts the delta between two samples to 0..10000.
func basisPoints(prev, cur cpuSample) uint32 {
	total := cur.total - prev.total
	if total <= 0 {
		return 0
	}
	bp := (cur.busy - prev.busy) / total * 10000
	switch {
	case bp < 0:
		return 0
	case bp > 10000:
		return 10000
	default:
		return uint32(bp)
	}
}

func readAvailableMB(fs procfs.FS) (uint64, error) {
	mem, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if mem.MemAvailable == nil {
		return 0, fmt.Errorf("MemAvailable missing from /proc/meminfo")
	}
	return *mem.MemAvailable / 1024, nil
}

// SampleUsage feeds NotifyUsage from procfs every interval until ctx is
// done. It returns an error immediately when procfs is unavailable, which
// is expected off Linux; usage hints are advisory.
func (m *ChannelMonitor) SampleUsage(ctx context.Context, mountPoint string, interval time.Duration) error {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return fmt.Errorf("open procfs: %w", err)
	}
	prev, err := readCPU(fs)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cur, err := readCPU(fs)
		if err != nil {
			m.logger.Debug("usage sample failed", "error", err)
			continue
		}
		avail, err := readAvailableMB(fs)
		if err != nil {
			m.logger.Debug("usage sample failed", "error", err)
			continue
		}
		m.NotifyUsage(basisPoints(prev, cur), avail)
		prev = cur
	}
}
