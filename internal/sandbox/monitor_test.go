package sandbox

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hermetic/internal/pipgraph"
)

func TestParseReport(t *testing.T) {
	r, err := ParseReport([]byte(`{"op":"read","path":"/src/../src/a.c","pid":42}`))
	require.NoError(t, err)
	assert.Equal(t, OpRead, r.Op)
	assert.Equal(t, "/src/a.c", r.Path)
	assert.Equal(t, 42, r.PID)

	for _, line := range []string{
		`not json`,
		`{"op":"chmod","path":"/a","pid":1}`,
		`{"op":"read","path":"rel/a","pid":1}`,
	} {
		_, err := ParseReport([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestEarlyReportsAreBuffered(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)

	// Written before the monitor attaches.
	_, err = io.WriteString(pw, `{"op":"read","path":"/a","pid":7}`+"\n"+`{"op":"write","path":"/b","pid":7}`+"\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	m := NewChannelMonitor()
	require.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 7, Reports: pr}))

	reports, err := m.Reports(PipKey{Pip: 1}).Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(1), reports[0].Seq)
	assert.Equal(t, OpWrite, reports[1].Op)
	assert.LessOrEqual(t, reports[0].EnqueueTime, reports[1].EnqueueTime)

	assert.True(t, m.NotifyPipFinished(PipKey{Pip: 1}, ProcessHandle{PID: 7, Reports: pr}))
	assert.False(t, m.NotifyPipFinished(PipKey{Pip: 1}, ProcessHandle{PID: 7, Reports: pr}), "finish is exactly once")
}

func TestMalformedReportsAreSkipped(t *testing.T) {
	m := NewChannelMonitor()
	src := strings.NewReader("garbage\n\n" + `{"op":"probe","path":"/x","pid":1}` + "\n")
	require.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 2}}, ProcessHandle{PID: 1, Reports: src}))

	reports, err := m.Reports(PipKey{Pip: 2}).Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, OpProbe, reports[0].Op)
	assert.Equal(t, uint64(1), reports[0].Seq)
}

func TestAttachRejections(t *testing.T) {
	m := NewChannelMonitor()
	assert.False(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 0, Reports: strings.NewReader("")}))
	assert.False(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 5}))

	pr, pw := io.Pipe()
	defer pw.Close()
	require.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 5, Reports: pr}))
	assert.False(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 6, Reports: strings.NewReader("")}))
	assert.Nil(t, m.Reports(PipKey{Pip: 99}))
	m.NotifyPipTerminated(PipKey{Pip: 1}, 5)
}

func TestMinEnqueueTimeTracksUnconsumedReports(t *testing.T) {
	m := NewChannelMonitor()
	pr, pw := io.Pipe()
	require.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 3}}, ProcessHandle{PID: 9, Reports: pr}))

	_, found := m.MinEnqueueTime()
	assert.False(t, found)

	go func() {
		_, _ = io.WriteString(pw, `{"op":"read","path":"/a","pid":9}`+"\n")
	}()

	require.Eventually(t, func() bool {
		_, found := m.MinEnqueueTime()
		return found
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, m.CurrentDrought(), time.Second)

	stream := m.Reports(PipKey{Pip: 3})
	r, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/a", r.Path)

	_, found = m.MinEnqueueTime()
	assert.False(t, found, "consumed reports are no longer outstanding")

	require.NoError(t, pw.Close())
	_, ok, err = stream.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminateUnblocksListener(t *testing.T) {
	m := NewChannelMonitor()
	pr, pw := io.Pipe()
	defer pw.Close()
	require.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 4}}, ProcessHandle{PID: 9, Reports: pr}))
	stream := m.Reports(PipKey{Pip: 4})

	m.NotifyPipTerminated(PipKey{Pip: 4}, 9)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := stream.Drain(ctx)
	require.NoError(t, err, "stream closes once the pipe is closed")
}

func TestReleaseResourcesRequiresTestMode(t *testing.T) {
	m := NewChannelMonitor()
	m.ReleaseResources()
	assert.True(t, m.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 1, Reports: strings.NewReader("")}))

	tm := NewChannelMonitor(WithTestMode())
	require.True(t, tm.TestMode())
	pr, pw := io.Pipe()
	defer pw.Close()
	require.True(t, tm.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 1}}, ProcessHandle{PID: 1, Reports: pr}))
	stream := tm.Reports(PipKey{Pip: 1})

	tm.ReleaseResources()
	_, err := stream.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, tm.NotifyPipStarting(PipInfo{Key: PipKey{Pip: 2}}, ProcessHandle{PID: 2, Reports: strings.NewReader("")}))
}

func TestNotifyUsageClamps(t *testing.T) {
	m := NewChannelMonitor()
	m.NotifyUsage(12000, 2048)
	u := m.ResourceUsage()
	assert.Equal(t, uint32(10000), u.CPUBasisPoints)
	assert.Equal(t, uint64(2048), u.AvailableRAMMB)
	assert.False(t, u.Sampled.IsZero())
}

func TestBasisPoints(t *testing.T) {
	assert.Equal(t, uint32(5000), basisPoints(cpuSample{busy: 10, total: 20}, cpuSample{busy: 15, total: 30}))
	assert.Equal(t, uint32(0), basisPoints(cpuSample{busy: 10, total: 20}, cpuSample{busy: 10, total: 20}))
}

func TestChildEnvIsHermetic(t *testing.T) {
	env := childEnv(map[string]string{"PATH": "/bin", EnvReportFD: "9"}, []byte(`{}`))
	assert.Equal(t, []string{"PATH=/bin", "HERMETIC_REPORT_FD=3", "HERMETIC_POLICY={}"}, env)
}

func TestSamePipIDInTwoBuilds(t *testing.T) {
	m := NewChannelMonitor()
	a := PipKey{Build: "build-a", Pip: 1}
	b := PipKey{Build: "build-b", Pip: 1}

	require.True(t, m.NotifyPipStarting(PipInfo{Key: a}, ProcessHandle{PID: 10, Reports: strings.NewReader("")}))
	require.True(t, m.NotifyPipStarting(PipInfo{Key: b}, ProcessHandle{PID: 11, Reports: strings.NewReader("")}))
	assert.NotSame(t, m.Reports(a), m.Reports(b))

	assert.True(t, m.NotifyPipFinished(a, ProcessHandle{PID: 10}))
	assert.Nil(t, m.Reports(a))
	assert.NotNil(t, m.Reports(b), "finishing one build leaves the other attached")
	assert.True(t, m.NotifyPipFinished(b, ProcessHandle{PID: 11}))
}

func TestPipKeyString(t *testing.T) {
	assert.Equal(t, pipgraph.PipID(3).String(), PipKey{Pip: 3}.String())
	assert.Equal(t, "b1/"+pipgraph.PipID(3).String(), PipKey{Build: "b1", Pip: 3}.String())
}
