package sandbox

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hermetic/internal/pipgraph"
)

// PipKey identifies one attachment. Pip IDs are only unique within a
// graph, so concurrent builds are told apart by Build.
type PipKey struct {
	Build string
	Pip   pipgraph.PipID
}

func (k PipKey) String() string {
	if k.Build == "" {
		return k.Pip.String()
	}
	return k.Build + "/" + k.Pip.String()
}

// PipInfo describes the pip being attached.
type PipInfo struct {
	Key    PipKey
	Name   string
	Policy AccessPolicy
}

// ProcessHandle identifies a started process and the read end of its
// report pipe.
type ProcessHandle struct {
	PID     int
	Reports io.Reader
}

// Usage is an advisory resource-pressure sample.
type Usage struct {
	// CPUBasisPoints is utilization across all cores, 0..10000.
	CPUBasisPoints uint32
	AvailableRAMMB uint64
	Sampled        time.Time
}

// Monitor observes sandboxed pips.
type Monitor interface {
	// NotifyPipStarting attaches to a started process. It returns false if
	// the monitor could not attach; the caller must then kill the process.
	NotifyPipStarting(pip PipInfo, proc ProcessHandle) bool
	// Reports returns the pip's report stream, or nil if it is not attached.
	Reports(key PipKey) *ReportStream
	// NotifyPipFinished releases the pip's resources. It returns false when
	// called for a pip that is not attached or was already finished.
	NotifyPipFinished(key PipKey, proc ProcessHandle) bool
	// NotifyPipTerminated records that the pip was force-killed.
	NotifyPipTerminated(key PipKey, pid int)
	// MinEnqueueTime is the enqueue time of the oldest report not yet
	// consumed by any pip's reader, on the Elapsed clock.
	MinEnqueueTime() (time.Duration, bool)
	// Elapsed is the time since the monitor was created.
	Elapsed() time.Duration
	// CurrentDrought is the time since a report last arrived from any pip.
	CurrentDrought() time.Duration
	ResourceUsage() Usage
	// ReleaseResources tears down the whole monitor. Test mode only.
	ReleaseResources()
}

// DefaultChannelCapacity bounds each pip's report channel.
const DefaultChannelCapacity = 4096

// ChannelMonitor implements Monitor with one bounded channel per pip.
type ChannelMonitor struct {
	logger   *slog.Logger
	capacity int
	testMode bool
	start    time.Time

	mu         sync.Mutex
	pips       map[PipKey]*pipState
	lastReport time.Duration
	usage      Usage
	released   bool
}

type pipState struct {
	info       PipInfo
	pid        int
	ch         chan AccessReport
	stream     *ReportStream
	stop       chan struct{}
	stopOnce   sync.Once
	source     io.Reader
	pending    []time.Duration
	lastReport time.Duration
	seq        uint64
	malformed  int
	terminated bool
}

// MonitorOption configures a ChannelMonitor.
type MonitorOption func(*ChannelMonitor)

// WithChannelCapacity sets the per-pip report channel bound.
func WithChannelCapacity(n int) MonitorOption {
	return func(m *ChannelMonitor) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithTestMode allows ReleaseResources.
func WithTestMode() MonitorOption {
	return func(m *ChannelMonitor) { m.testMode = true }
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *ChannelMonitor) { m.logger = l }
}

// NewChannelMonitor returns a monitor with no attached pips.
func NewChannelMonitor(opts ...MonitorOption) *ChannelMonitor {
	m := &ChannelMonitor{
		logger:   slog.Default(),
		capacity: DefaultChannelCapacity,
		start:    time.Now(),
		pips:     make(map[PipKey]*pipState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TestMode reports whether the monitor was created WithTestMode.
func (m *ChannelMonitor) TestMode() bool { return m.testMode }

func (m *ChannelMonitor) now() time.Duration {
	return time.Since(m.start)
}

func (m *ChannelMonitor) Elapsed() time.Duration { return m.now() }

func (m *ChannelMonitor) NotifyPipStarting(pip PipInfo, proc ProcessHandle) bool {
	if proc.PID <= 0 || proc.Reports == nil {
		m.logger.Error("attach rejected: process not started", "pip", pip.Key)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		m.logger.Error("attach rejected: monitor released", "pip", pip.Key)
		return false
	}
	if _, exists := m.pips[pip.Key]; exists {
		m.logger.Error("attach rejected: pip already attached", "pip", pip.Key)
		return false
	}

	st := &pipState{
		info:       pip,
		pid:        proc.PID,
		stop:       make(chan struct{}),
		source:     proc.Reports,
		lastReport: m.now(),
	}
	st.ch = make(chan AccessReport, m.capacity)
	st.stream = &ReportStream{
		ch:        st.ch,
		onConsume: func() { m.consumed(pip.Key) },
		drought:   func() time.Duration { return m.pipDrought(pip.Key) },
	}
	m.pips[pip.Key] = st
	go m.listen(st)
	m.logger.Debug("pip attached", "pip", pip.Key, "name", pip.Name, "pid", proc.PID)
	return true
}

// listen reads the report pipe until EOF, a read error, or stop. It closes
// the stream channel on exit, which is the "no more reports" signal.
func (m *ChannelMonitor) listen(st *pipState) {
	defer close(st.ch)

	scanner := bufio.NewScanner(st.source)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		report, err := ParseReport(line)
		if err != nil {
			m.mu.Lock()
			st.malformed++
			m.mu.Unlock()
			m.logger.Warn("dropping malformed access report", "pip", st.info.Key, "error", err)
			continue
		}

		m.mu.Lock()
		now := m.now()
		st.seq++
		report.Seq = st.seq
		report.EnqueueTime = now
		st.pending = append(st.pending, now)
		st.lastReport = now
		m.lastReport = now
		m.mu.Unlock()

		select {
		case st.ch <- report:
		case <-st.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-st.stop:
		default:
			m.logger.Warn("report channel read failed", "pip", st.info.Key, "error", err)
		}
	}
}

func (m *ChannelMonitor) Reports(key PipKey) *ReportStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pips[key]
	if !ok {
		return nil
	}
	return st.stream
}

func (m *ChannelMonitor) NotifyPipFinished(key PipKey, proc ProcessHandle) bool {
	m.mu.Lock()
	st, ok := m.pips[key]
	if ok {
		delete(m.pips, key)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("finish for unknown pip", "pip", key)
		return false
	}
	if st.pid != proc.PID {
		m.logger.Warn("finish with mismatched process", "pip", key, "attached_pid", st.pid, "pid", proc.PID)
	}
	st.halt()
	m.logger.Debug("pip finished", "pip", key, "reports", st.seq, "malformed", st.malformed, "terminated", st.terminated)
	return true
}

func (m *ChannelMonitor) NotifyPipTerminated(key PipKey, pid int) {
	m.mu.Lock()
	st, ok := m.pips[key]
	if ok {
		st.terminated = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Warn("pip terminated", "pip", key, "pid", pid)
	st.halt()
}

// halt stops the listener. Closing the pipe's read end unblocks a Read
// that is waiting on a process tree that will never close its write end.
func (st *pipState) halt() {
	st.stopOnce.Do(func() {
		close(st.stop)
		if c, ok := st.source.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

func (m *ChannelMonitor) MinEnqueueTime() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		minTime time.Duration
		found   bool
	)
	for _, st := range m.pips {
		if len(st.pending) == 0 {
			continue
		}
		if !found || st.pending[0] < minTime {
			minTime = st.pending[0]
			found = true
		}
	}
	return minTime, found
}

func (m *ChannelMonitor) CurrentDrought() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now() - m.lastReport
}

// pipDrought is the time since the pip's own last report, or since attach.
func (m *ChannelMonitor) pipDrought(key PipKey) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pips[key]
	if !ok {
		return 0
	}
	return m.now() - st.lastReport
}

func (m *ChannelMonitor) consumed(key PipKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.pips[key]; ok && len(st.pending) > 0 {
		st.pending = st.pending[1:]
	}
}

// NotifyUsage records a resource-pressure sample.
func (m *ChannelMonitor) NotifyUsage(cpuBasisPoints uint32, availableRAMMB uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{
		CPUBasisPoints: min(cpuBasisPoints, 10000),
		AvailableRAMMB: availableRAMMB,
		Sampled:        time.Now(),
	}
}

func (m *ChannelMonitor) ResourceUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *ChannelMonitor) ReleaseResources() {
	if !m.testMode {
		m.logger.Error("ReleaseResources ignored outside test mode")
		return
	}
	m.mu.Lock()
	m.released = true
	pips := m.pips
	m.pips = make(map[PipKey]*pipState)
	m.mu.Unlock()
	for _, st := range pips {
		st.halt()
	}
}

// ReportStream delivers one pip's reports in enqueue order. The stream ends
// when the listener has seen the pipe close, never earlier.
type ReportStream struct {
	ch        <-chan AccessReport
	onConsume func()
	drought   func() time.Duration
}

// NewReportStream wraps a channel as a stream. Monitors other than
// ChannelMonitor use it to hand out their own channels.
func NewReportStream(ch <-chan AccessReport) *ReportStream {
	return &ReportStream{ch: ch}
}

// Next returns the next report. ok is false once the stream is closed.
func (s *ReportStream) Next(ctx context.Context) (AccessReport, bool, error) {
	select {
	case r, ok := <-s.ch:
		if !ok {
			return AccessReport{}, false, nil
		}
		if s.onConsume != nil {
			s.onConsume()
		}
		return r, true, nil
	case <-ctx.Done():
		return AccessReport{}, false, ctx.Err()
	}
}

// Drain collects every remaining report until the stream closes.
func (s *ReportStream) Drain(ctx context.Context) ([]AccessReport, error) {
	var out []AccessReport
	for {
		r, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, r)
	}
}

// Drought is the time since this pip's last report. Streams without a
// monitor never report a drought.
func (s *ReportStream) Drought() time.Duration {
	if s.drought == nil {
		return 0
	}
	return s.drought()
}
