package testutil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/hermetic/internal/sandbox"
)

// FakeMonitor wraps a real ChannelMonitor so report plumbing stays real,
// while letting tests inject attach failures and resource pressure.
type FakeMonitor struct {
	*sandbox.ChannelMonitor

	refuse   atomic.Int32
	attaches atomic.Int32

	mu    sync.Mutex
	usage sandbox.Usage
}

var _ sandbox.Monitor = (*FakeMonitor)(nil)

// NewFakeMonitor returns a FakeMonitor over a test-mode ChannelMonitor.
func NewFakeMonitor() *FakeMonitor {
	return &FakeMonitor{ChannelMonitor: sandbox.NewChannelMonitor(sandbox.WithTestMode())}
}

// RefuseAttach makes the next n NotifyPipStarting calls fail.
func (f *FakeMonitor) RefuseAttach(n int) {
	f.refuse.Store(int32(n))
}

// Attaches counts NotifyPipStarting calls, refused ones included.
func (f *FakeMonitor) Attaches() int {
	return int(f.attaches.Load())
}

// NotifyPipStarting refuses while the RefuseAttach budget lasts.
func (f *FakeMonitor) NotifyPipStarting(pip sandbox.PipInfo, proc sandbox.ProcessHandle) bool {
	f.attaches.Add(1)
	for {
		n := f.refuse.Load()
		if n <= 0 {
			break
		}
		if f.refuse.CompareAndSwap(n, n-1) {
			return false
		}
	}
	return f.ChannelMonitor.NotifyPipStarting(pip, proc)
}

// SetUsage fixes what ResourceUsage reports.
func (f *FakeMonitor) SetUsage(cpuBasisPoints uint32, availableMB uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = sandbox.Usage{CPUBasisPoints: cpuBasisPoints, AvailableRAMMB: availableMB, Sampled: time.Now()}
}

// ResourceUsage returns the injected sample.
func (f *FakeMonitor) ResourceUsage() sandbox.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage
}
