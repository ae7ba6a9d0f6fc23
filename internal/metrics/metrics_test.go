package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/friespotatotissue/please/internal/core"
)

type staticStats core.Stats

func (s staticStats) Stats() core.Stats { return core.Stats(s) }

// gathered returns name{label=value} -> sample value for every series in reg.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnOpened()
	c.ConnOpened()
	c.ConnClosed()
	c.EnvelopeHandled("ch")
	c.EnvelopeHandled("ch")
	c.EnvelopeHandled("a")
	c.FrameDropped("malformed")
	c.Fanout(3)
	c.HeartbeatTerminated()

	got := gathered(t, reg)
	want := map[string]float64{
		"please_connections_opened_total":               2,
		"please_connections_closed_total":               1,
		"please_envelopes_total{type=ch}":               2,
		"please_envelopes_total{type=a}":                1,
		"please_frames_dropped_total{reason=malformed}": 1,
		"please_fanout_recipients":                      1,
		"please_heartbeat_terminations_total":           1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %v, want %v (all: %v)", name, got[name], v, got)
		}
	}
}

func TestRegisterGaugesSamplesSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterGauges(reg, staticStats{Connections: 3, Rooms: 2, Identities: 5, ConnectedIdentities: 2, Listeners: 1})

	got := gathered(t, reg)
	if got["please_connections"] != 3 || got["please_rooms"] != 2 || got["please_identities_connected"] != 2 {
		t.Fatalf("gauges = %v", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func runReporterBriefly(src StatsSource) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunReporter(ctx, src, 20*time.Millisecond)
		close(done)
	}()
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done
}

func TestRunReporterLogsWhenActive(t *testing.T) {
	buf := captureLogs(t)
	runReporterBriefly(staticStats{Connections: 1, Rooms: 1})

	out := buf.String()
	if !strings.Contains(out, "engine stats") || !strings.Contains(out, "connections=1") {
		t.Fatalf("expected stats log, got %q", out)
	}
}

func TestRunReporterSilentWhenIdle(t *testing.T) {
	buf := captureLogs(t)
	runReporterBriefly(staticStats{Rooms: 1})

	if out := buf.String(); strings.Contains(out, "engine stats") {
		t.Fatalf("expected no output when idle, got %q", out)
	}
}
