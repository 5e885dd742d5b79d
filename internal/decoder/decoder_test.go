package decoder

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

const fullPayload = `{
	"machine_id": "aa:bb:cc:dd:ee:01",
	"hostname": "web-1",
	"ip_address": "10.0.0.5",
	"cpu": {"model": "Xeon", "cores": 8, "usage_percent": 12.5},
	"memory": {"total": 17179869184, "available": 8589934592, "usage_percent": 50},
	"storage": {"total": "931.51 G", "free": "1024 B", "usage_percent": 40.2},
	"timestamp": 1767225600.5
}`

func TestDecodeFullReport(t *testing.T) {
	ev, err := Decode([]byte(fullPayload), "machine_status/aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fr, ok := ev.(FullReport)
	if !ok {
		t.Fatalf("event = %T, want FullReport", ev)
	}
	r := fr.Report
	if r.MachineID != "aa:bb:cc:dd:ee:01" || r.Hostname != "web-1" || r.IPAddress != "10.0.0.5" {
		t.Fatalf("identity fields = %+v", r)
	}
	if r.CPU.Cores != 8 || r.CPU.UsagePercent != 12.5 || r.CPU.Model != "Xeon" {
		t.Fatalf("cpu = %+v", r.CPU)
	}
	if r.Memory.Total != 17179869184 || r.Memory.Available != 8589934592 {
		t.Fatalf("memory = %+v", r.Memory)
	}
	gib := 931.51
	if want := uint64(gib * (1 << 30)); r.Storage.Total != want {
		t.Fatalf("storage total = %d, want %d", r.Storage.Total, want)
	}
	if r.Storage.Free != 1024 {
		t.Fatalf("storage free = %d, want 1024", r.Storage.Free)
	}
	want := time.Unix(1767225600, 500_000_000).UTC()
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", r.Timestamp, want)
	}
	if r.DeclaredStatus != "" {
		t.Fatalf("declared status = %q, want empty", r.DeclaredStatus)
	}
}

func TestDecodeAnnouncement(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		body   string
		wantID string
		want   models.Liveness
	}{
		{"mqtt online", "machine_status/m1/status", `{"machine_id":"m1","status":"online","timestamp":1}`, "m1", models.Online},
		{"nats offline", "machine_status.m1.status", `{"machine_id":"m1","status":"OFFLINE"}`, "m1", models.Offline},
		{"identity from topic", "machine_status.m2.status", `{"status":"offline"}`, "m2", models.Offline},
		{"payload identity wins", "machine_status.host_example_com.status", `{"machine_id":"host.example.com","status":"online"}`, "host.example.com", models.Online},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.body), tt.topic)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			a, ok := ev.(StatusAnnouncement)
			if !ok {
				t.Fatalf("event = %T, want StatusAnnouncement", ev)
			}
			if a.Identity() != tt.wantID || a.Announcement.Status != tt.want {
				t.Fatalf("announcement = %+v", a.Announcement)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name, topic, body string
	}{
		{"not json", "machine_status/m1", `{"machine_id":`},
		{"missing identity", "machine_status/m1", `{"hostname":"h"}`},
		{"blank identity", "machine_status/m1", `{"machine_id":"  "}`},
		{"array payload", "machine_status/m1", `[1,2]`},
		{"wrong field type", "machine_status/m1", `{"machine_id":"m1","cpu":{"cores":"eight"}}`},
		{"bad size", "machine_status/m1", `{"machine_id":"m1","memory":{"total":"lots"}}`},
		{"bad timestamp", "machine_status/m1", `{"machine_id":"m1","timestamp":"yesterday"}`},
		{"timestamp beyond int64 seconds", "machine_status/m1", `{"machine_id":"m1","timestamp":1e300}`},
		{"timestamp below int64 seconds", "machine_status/m1", `{"machine_id":"m1","timestamp":"-1e19"}`},
		{"unknown status", "machine_status/m1/status", `{"status":"sleeping"}`},
		{"foreign topic", "other/m1", `{"machine_id":"m1"}`},
		{"empty machine segment", "machine_status//status", `{"status":"online"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.body), tt.topic)
			if err == nil {
				t.Fatalf("decode succeeded with %#v", ev)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
			var de *Error
			if !errors.As(err, &de) || de.Topic != tt.topic {
				t.Fatalf("err = %#v, want *Error for topic %q", err, tt.topic)
			}
		})
	}
}

func TestDecodeAcceptsImplausibleNumbers(t *testing.T) {
	ev, err := Decode([]byte(`{"machine_id":"m1","cpu":{"usage_percent":-5},"memory":{"usage_percent":250}}`), "machine_status.m1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := ev.(FullReport).Report
	if r.CPU.UsagePercent != -5 || r.Memory.UsagePercent != 250 {
		t.Fatalf("numbers were altered: %+v", r)
	}
}

func TestDecodeClampsHugeSizes(t *testing.T) {
	body := `{"machine_id":"m1","memory":{"total":1e30,"available":-4},"storage":{"total":1e400}}`
	ev, err := Decode([]byte(body), "machine_status.m1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := ev.(FullReport).Report
	if r.Memory.Total != math.MaxUint64 || r.Storage.Total != math.MaxUint64 {
		t.Fatalf("totals = %d, %d, want MaxUint64", r.Memory.Total, r.Storage.Total)
	}
	if r.Memory.Available != 0 {
		t.Fatalf("negative size = %d, want 0", r.Memory.Available)
	}
}

func TestDecodeDeclaredStatus(t *testing.T) {
	ev, err := Decode([]byte(`{"machine_id":"m1","online_status":"weird"}`), "machine_status/m1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := ev.(FullReport).Report.DeclaredStatus; got != models.Unknown {
		t.Fatalf("declared = %q, want unknown", got)
	}
}

func TestParseLegacySize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"15.50 GB", uint64(15.5 * (1 << 30))},
		{"2.00 T", 2 << 40},
		{"512 B", 512},
		{"Unknown", 0},
		{"", 0},
		{"4096", 4096},
	}
	for _, tt := range tests {
		got, err := parseLegacySize(tt.in)
		if err != nil {
			t.Fatalf("parseLegacySize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parseLegacySize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTimestampFormats(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, body := range []string{`"2026-01-01T00:00:00Z"`, `1767225600`, `"1767225600"`} {
		var ts timestamp
		if err := ts.UnmarshalJSON([]byte(body)); err != nil {
			t.Fatalf("unmarshal %s: %v", body, err)
		}
		if !ts.Time().Equal(want) {
			t.Fatalf("%s -> %v, want %v", body, ts.Time(), want)
		}
	}
}

func TestSubjectToken(t *testing.T) {
	if got := SubjectToken("host.example.com"); got != "host_example_com" {
		t.Fatalf("SubjectToken = %q", got)
	}
	if got := AnnouncementTopic("m1"); got != "machine_status.m1.status" {
		t.Fatalf("AnnouncementTopic = %q", got)
	}
}
