package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/galavrah/machine-status-monitoring/internal/clock"
	"github.com/galavrah/machine-status-monitoring/internal/decoder"
	"github.com/galavrah/machine-status-monitoring/internal/models"
)

func TestParseCPUStat(t *testing.T) {
	r, err := parseCPUStat(strings.NewReader("cpu  100 5 50 800 20 3 2 1 0 0\ncpu0 1 2 3 4 5 6 7 8\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.busy != 161 || r.idle != 820 {
		t.Fatalf("reading = %+v", r)
	}
	for _, bad := range []string{"", "cpu 1 2 3", "intr 1 2 3 4 5 6 7 8", "cpu 1 2 x 4 5 6 7 8"} {
		if _, err := parseCPUStat(strings.NewReader(bad)); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestCPUPercent(t *testing.T) {
	prev := cpuReading{busy: 100, idle: 300}
	cases := []struct {
		cur  cpuReading
		want float64
	}{
		{cpuReading{busy: 150, idle: 350}, 50},
		{cpuReading{busy: 100, idle: 400}, 0},
		{cpuReading{busy: 100, idle: 300}, 0},
		{cpuReading{busy: 50, idle: 350}, 0},
	}
	for _, c := range cases {
		if got := cpuPercent(prev, c.cur); got != c.want {
			t.Fatalf("cpuPercent(%+v) = %v, want %v", c.cur, got, c.want)
		}
	}
}

func TestParseCPUInfo(t *testing.T) {
	const info = `processor	: 0
model name	: Intel(R) Xeon(R) CPU @ 2.20GHz
cpu cores	: 2

processor	: 1
model name	: Intel(R) Xeon(R) CPU @ 2.20GHz
`
	model, cores := parseCPUInfo(strings.NewReader(info))
	if model != "Intel(R) Xeon(R) CPU @ 2.20GHz" || cores != 2 {
		t.Fatalf("got %q, %d", model, cores)
	}
}

func TestParseMemInfo(t *testing.T) {
	const info = "MemTotal:       16000000 kB\nMemFree:         1000000 kB\nMemAvailable:    4000000 kB\n"
	total, avail, err := parseMemInfo(strings.NewReader(info))
	if err != nil {
		t.Fatal(err)
	}
	if total != 16000000*1024 || avail != 4000000*1024 {
		t.Fatalf("total=%d avail=%d", total, avail)
	}
	if _, _, err := parseMemInfo(strings.NewReader("MemTotal: 1 kB\n")); err == nil {
		t.Fatal("missing MemAvailable accepted")
	}
}

func TestProbeSampleFromProcDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("cpuinfo", "processor : 0\nmodel name : Test CPU\nprocessor : 1\n")
	write("meminfo", "MemTotal: 1000 kB\nMemAvailable: 250 kB\n")
	write("stat", "cpu 10 0 10 80 0 0 0 0\n")

	p := &Probe{ProcDir: dir, DiskPath: dir}
	rep, err := p.Sample("m1")
	if err != nil {
		t.Fatal(err)
	}
	if rep.MachineID != "m1" || rep.Hostname == "" || rep.DeclaredStatus != models.Online {
		t.Fatalf("report = %+v", rep)
	}
	if rep.CPU.Model != "Test CPU" || rep.CPU.Cores != 2 {
		t.Fatalf("cpu = %+v", rep.CPU)
	}
	if rep.Memory.Total != 1000*1024 || rep.Memory.UsagePercent != 75 {
		t.Fatalf("memory = %+v", rep.Memory)
	}
	if rep.Storage.Total == 0 {
		t.Fatalf("storage = %+v", rep.Storage)
	}

	write("stat", "cpu 40 0 10 100 0 0 0 0\n")
	rep, _ = p.Sample("m1")
	if rep.CPU.UsagePercent != 60 {
		t.Fatalf("usage between samples = %v, want 60", rep.CPU.UsagePercent)
	}
}

func TestPrimaryMAC(t *testing.T) {
	mac := func(s string) net.HardwareAddr {
		hw, err := net.ParseMAC(s)
		if err != nil {
			t.Fatal(err)
		}
		return hw
	}
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagLoopback | net.FlagUp},
		{Name: "docker0", HardwareAddr: mac("02:42:00:00:00:01")},
		{Name: "enp3s0", HardwareAddr: mac("aa:bb:cc:dd:ee:01")},
	}
	if got := primaryMAC(ifaces); got != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("primaryMAC = %q", got)
	}
	if got := primaryMAC(ifaces[:2]); got != "" {
		t.Fatalf("primaryMAC without primary = %q", got)
	}
}

func TestIdentityFileIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "machine-id")
	first, err := loadOrCreateID(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := loadOrCreateID(path)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Fatalf("ids %q then %q", first, second)
	}
	if _, err := loadOrCreateID(""); err == nil {
		t.Fatal("empty path accepted")
	}
}

type published struct {
	subject string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	fail bool
	sent chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(chan struct{}, 64)}
}

func (p *recordingPublisher) PublishJSON(_ context.Context, subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.msgs = append(p.msgs, published{subject, b})
	p.sent <- struct{}{}
	return nil
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fixedSampler struct{}

func (fixedSampler) Sample(id string) (models.StatusReport, error) {
	return models.StatusReport{
		MachineID:      id,
		Hostname:       "host-a",
		IPAddress:      "10.0.0.5",
		CPU:            models.CPU{Model: "cpu", Cores: 4, UsagePercent: 12.5},
		Memory:         models.Memory{Total: 8 << 30, Available: 2 << 30, UsagePercent: 75},
		DeclaredStatus: models.Online,
	}, nil
}

func waitSent(t *testing.T, p *recordingPublisher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.sent:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d messages published", i, n)
		}
	}
}

func TestAgentLifecycleDecodesOnCollectorSide(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	pub := newRecordingPublisher()
	a, err := New(pub, fixedSampler{}, Config{MachineID: "aa:bb:cc:dd:ee:01", Interval: time.Minute}, zaptest.NewLogger(t), clk)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitSent(t, pub, 2)
	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitSent(t, pub, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := pub.snapshot()
	if len(msgs) != 4 {
		t.Fatalf("published %d messages, want 4", len(msgs))
	}
	wantKinds := []string{"announcement", "report", "report", "announcement"}
	for i, m := range msgs {
		ev, err := decoder.Decode(m.payload, m.subject)
		if err != nil {
			t.Fatalf("message %d on %s does not decode: %v", i, m.subject, err)
		}
		switch e := ev.(type) {
		case decoder.StatusAnnouncement:
			if wantKinds[i] != "announcement" {
				t.Fatalf("message %d is an announcement", i)
			}
			want := models.Online
			if i == len(msgs)-1 {
				want = models.Offline
			}
			if e.Announcement.Status != want || e.Announcement.MachineID != "aa:bb:cc:dd:ee:01" {
				t.Fatalf("announcement %d = %+v", i, e.Announcement)
			}
		case decoder.FullReport:
			if wantKinds[i] != "report" {
				t.Fatalf("message %d is a report", i)
			}
			if e.Report.Hostname != "host-a" || e.Report.Memory.Total != 8<<30 {
				t.Fatalf("report %d = %+v", i, e.Report)
			}
		}
	}
}

func TestAgentKeepsRunningWhenPublishFails(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	pub := newRecordingPublisher()
	pub.fail = true
	a, err := New(pub, fixedSampler{}, Config{MachineID: "m1", Interval: time.Second}, zaptest.NewLogger(t), clk)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	clk.WaitForTimers(1)
	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()
	clk.Advance(time.Second)
	waitSent(t, pub, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if msgs := pub.snapshot(); msgs[0].subject != "machine_status.m1" {
		t.Fatalf("first delivered message on %s", msgs[0].subject)
	}
}

func TestNewRejectsEmptyID(t *testing.T) {
	if _, err := New(newRecordingPublisher(), fixedSampler{}, Config{}, nil, nil); err == nil {
		t.Fatal("empty id accepted")
	}
}
