package models

import "time"

// Liveness is the reachability classification of a machine.
type Liveness string

const (
	Online  Liveness = "online"
	Offline Liveness = "offline"
	Unknown Liveness = "unknown"
)

// Valid reports whether l is one of the known tags.
func (l Liveness) Valid() bool {
	switch l {
	case Online, Offline, Unknown:
		return true
	}
	return false
}

// CPU describes the processor of a machine at report time.
type CPU struct {
	Model        string  `json:"model"`
	Cores        int     `json:"cores"`
	UsagePercent float64 `json:"usage_percent"`
}

// Memory sizes are in bytes.
type Memory struct {
	Total        uint64  `json:"total"`
	Available    uint64  `json:"available"`
	UsagePercent float64 `json:"usage_percent"`
}

// Storage sizes are in bytes.
type Storage struct {
	Total        uint64  `json:"total"`
	Free         uint64  `json:"free"`
	UsagePercent float64 `json:"usage_percent"`
}

// StatusReport is a machine's self-reported snapshot. Reports are shared by
// pointer between the liveness table, persistence and queries and must not be
// modified after decoding.
type StatusReport struct {
	MachineID      string    `json:"machine_id"`
	Hostname       string    `json:"hostname"`
	IPAddress      string    `json:"ip_address"`
	CPU            CPU       `json:"cpu"`
	Memory         Memory    `json:"memory"`
	Storage        Storage   `json:"storage"`
	DeclaredStatus Liveness  `json:"online_status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Announcement is an explicit online/offline message, either sent by the
// producer or delivered on its behalf as a last will.
type Announcement struct {
	MachineID string    `json:"machine_id"`
	Status    Liveness  `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LivenessEntry is the collector's current view of one machine.
//
// LastObserved is collector time of the last confirmed-alive signal. It only
// moves forward while the machine is online and is left untouched when the
// machine goes offline.
type LivenessEntry struct {
	MachineID    string        `json:"machine_id"`
	Report       *StatusReport `json:"report,omitempty"`
	Status       Liveness      `json:"status"`
	LastObserved time.Time     `json:"last_observed"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Hostname returns the reported hostname, or "" before the first report.
func (e LivenessEntry) Hostname() string {
	if e.Report == nil {
		return ""
	}
	return e.Report.Hostname
}

// StatusRecord is one durable history row.
type StatusRecord struct {
	ID           string    `json:"id"`
	MachineID    string    `json:"machine_id"`
	Hostname     string    `json:"hostname"`
	IPAddress    string    `json:"ip_address"`
	CPU          CPU       `json:"cpu"`
	Memory       Memory    `json:"memory"`
	Storage      Storage   `json:"storage"`
	ReportedAt   time.Time `json:"reported_at"`
	Status       Liveness  `json:"status"`
	LastObserved time.Time `json:"last_observed"`
	EventTime    time.Time `json:"event_time"`
}

// NewStatusRecord builds the history row for a freshly applied report.
func NewStatusRecord(id string, r *StatusReport, status Liveness, lastObserved, eventTime time.Time) StatusRecord {
	return StatusRecord{
		ID:           id,
		MachineID:    r.MachineID,
		Hostname:     r.Hostname,
		IPAddress:    r.IPAddress,
		CPU:          r.CPU,
		Memory:       r.Memory,
		Storage:      r.Storage,
		ReportedAt:   r.Timestamp,
		Status:       status,
		LastObserved: lastObserved,
		EventTime:    eventTime,
	}
}

// Report rebuilds the status report carried by a history row.
func (r StatusRecord) Report() *StatusReport {
	return &StatusReport{
		MachineID: r.MachineID,
		Hostname:  r.Hostname,
		IPAddress: r.IPAddress,
		CPU:       r.CPU,
		Memory:    r.Memory,
		Storage:   r.Storage,
		Timestamp: r.ReportedAt,
	}
}
