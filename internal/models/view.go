package models

import "time"

// MachineSummary is the list view of one machine.
type MachineSummary struct {
	MachineID      string        `json:"machine_id"`
	Hostname       string        `json:"hostname"`
	IPAddress      string        `json:"ip_address"`
	Status         Liveness      `json:"status"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryPercent  float64       `json:"memory_percent"`
	StoragePercent float64       `json:"storage_percent"`
	LastSeen       time.Time     `json:"last_seen"`
	LastSeenAgo    time.Duration `json:"last_seen_ago"`
}

// MachineDetail is the single-machine view with recent history.
type MachineDetail struct {
	Entry    LivenessEntry  `json:"entry"`
	History  []StatusRecord `json:"history"`
	Since    time.Time      `json:"since"`
	Degraded bool           `json:"degraded,omitempty"`
}
