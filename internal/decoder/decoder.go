// Package decoder turns raw transport messages into typed events.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// TopicRoot is the first segment of every machine status topic.
const TopicRoot = "machine_status"

// StatusSegment marks a topic as an online/offline announcement.
const StatusSegment = "status"

// ErrMalformed matches every decode failure via errors.Is.
var ErrMalformed = errors.New("malformed status message")

// Error describes why a message was rejected.
type Error struct {
	Topic  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Topic, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrMalformed }

// Event is either a FullReport or a StatusAnnouncement.
type Event interface {
	Identity() string
	isEvent()
}

// FullReport carries a complete metrics snapshot.
type FullReport struct {
	Report *models.StatusReport
}

func (e FullReport) Identity() string { return e.Report.MachineID }
func (FullReport) isEvent()           {}

// StatusAnnouncement carries an explicit online/offline tag.
type StatusAnnouncement struct {
	Announcement models.Announcement
}

func (e StatusAnnouncement) Identity() string { return e.Announcement.MachineID }
func (StatusAnnouncement) isEvent()           {}

// Topic is the parsed form of a status topic.
type Topic struct {
	MachineID    string
	Announcement bool
}

// ParseTopic accepts both MQTT-style (machine_status/<id>[/status]) and
// NATS-style (machine_status.<id>[.status]) topics.
func ParseTopic(topic string) (Topic, error) {
	var sep string
	switch {
	case strings.HasPrefix(topic, TopicRoot+"/"):
		sep = "/"
	case strings.HasPrefix(topic, TopicRoot+"."):
		sep = "."
	default:
		return Topic{}, &Error{Topic: topic, Reason: "topic outside " + TopicRoot}
	}
	parts := strings.Split(topic[len(TopicRoot)+1:], sep)
	if parts[0] == "" {
		return Topic{}, &Error{Topic: topic, Reason: "topic has no machine segment"}
	}
	return Topic{
		MachineID:    parts[0],
		Announcement: len(parts) >= 2 && parts[len(parts)-1] == StatusSegment,
	}, nil
}

// AnnouncementTopic is the NATS subject a producer uses for announcements.
func AnnouncementTopic(token string) string {
	return TopicRoot + "." + token + "." + StatusSegment
}

// ReportTopic is the NATS subject a producer uses for full reports.
func ReportTopic(token string) string {
	return TopicRoot + "." + token
}

// SubjectToken rewrites an identity into a single NATS subject token.
func SubjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

// Decode validates and normalizes one message. It only checks structure:
// implausible numbers are passed through untouched.
func Decode(payload []byte, topic string) (Event, error) {
	t, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	if t.Announcement {
		return decodeAnnouncement(payload, topic, t)
	}
	return decodeReport(payload, topic)
}

type wireReport struct {
	MachineID *string `json:"machine_id"`
	Hostname  string  `json:"hostname"`
	IPAddress string  `json:"ip_address"`
	CPU       struct {
		Model        string  `json:"model"`
		Cores        int     `json:"cores"`
		UsagePercent float64 `json:"usage_percent"`
	} `json:"cpu"`
	Memory struct {
		Total        byteSize `json:"total"`
		Available    byteSize `json:"available"`
		UsagePercent float64  `json:"usage_percent"`
	} `json:"memory"`
	Storage struct {
		Total        byteSize `json:"total"`
		Free         byteSize `json:"free"`
		UsagePercent float64  `json:"usage_percent"`
	} `json:"storage"`
	OnlineStatus string    `json:"online_status"`
	Timestamp    timestamp `json:"timestamp"`
}

func decodeReport(payload []byte, topic string) (Event, error) {
	var w wireReport
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &Error{Topic: topic, Reason: "invalid report payload", Err: err}
	}
	if w.MachineID == nil {
		return nil, &Error{Topic: topic, Reason: "missing machine_id"}
	}
	id, err := validIdentity(*w.MachineID)
	if err != nil {
		return nil, &Error{Topic: topic, Reason: err.Error()}
	}

	declared := models.Liveness(strings.ToLower(strings.TrimSpace(w.OnlineStatus)))
	if declared != "" && !declared.Valid() {
		declared = models.Unknown
	}

	return FullReport{Report: &models.StatusReport{
		MachineID: id,
		Hostname:  w.Hostname,
		IPAddress: w.IPAddress,
		CPU: models.CPU{
			Model:        w.CPU.Model,
			Cores:        w.CPU.Cores,
			UsagePercent: w.CPU.UsagePercent,
		},
		Memory: models.Memory{
			Total:        uint64(w.Memory.Total),
			Available:    uint64(w.Memory.Available),
			UsagePercent: w.Memory.UsagePercent,
		},
		Storage: models.Storage{
			Total:        uint64(w.Storage.Total),
			Free:         uint64(w.Storage.Free),
			UsagePercent: w.Storage.UsagePercent,
		},
		DeclaredStatus: declared,
		Timestamp:      w.Timestamp.Time(),
	}}, nil
}

type wireAnnouncement struct {
	MachineID *string   `json:"machine_id"`
	Status    string    `json:"status"`
	Timestamp timestamp `json:"timestamp"`
}

func decodeAnnouncement(payload []byte, topic string, t Topic) (Event, error) {
	var w wireAnnouncement
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, &Error{Topic: topic, Reason: "invalid announcement payload", Err: err}
	}

	// The payload identity wins: the topic segment may be a subject-safe
	// rewrite of it.
	raw := t.MachineID
	if w.MachineID != nil && *w.MachineID != "" {
		raw = *w.MachineID
	}
	id, err := validIdentity(raw)
	if err != nil {
		return nil, &Error{Topic: topic, Reason: err.Error()}
	}

	status := models.Liveness(strings.ToLower(strings.TrimSpace(w.Status)))
	if status != models.Online && status != models.Offline {
		return nil, &Error{Topic: topic, Reason: fmt.Sprintf("unsupported status %q", w.Status)}
	}

	return StatusAnnouncement{Announcement: models.Announcement{
		MachineID: id,
		Status:    status,
		Timestamp: w.Timestamp.Time(),
	}}, nil
}

func validIdentity(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("empty machine_id")
	}
	if strings.ContainsRune(id, 0) {
		return "", errors.New("machine_id contains NUL")
	}
	return id, nil
}
