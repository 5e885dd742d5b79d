package natsclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/galavrah/machine-status-monitoring/internal/decoder"
	"github.com/galavrah/machine-status-monitoring/internal/models"
)

const (
	// AgentNamePrefix prefixes the NATS client name of every producer; the
	// rest of the name is the machine identity.
	AgentNamePrefix = "machine-status-agent:"

	// DisconnectAdvisories is published by the server, on the system
	// account, whenever a client connection ends.
	DisconnectAdvisories = "$SYS.ACCOUNT.*.DISCONNECT"

	disconnectAdvisoryType = "io.nats.server.advisory.v1.client_disconnect"
)

// AgentName is the connection name a producer with the given identity uses.
func AgentName(machineID string) string { return AgentNamePrefix + machineID }

type disconnectAdvisory struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Client    struct {
		Name string `json:"name"`
		Host string `json:"host"`
	} `json:"client"`
	Reason string `json:"reason"`
}

// LastWill is an offline announcement synthesized from a disconnect
// advisory, ready to be fed through the normal ingestion path.
type LastWill struct {
	Topic   string
	Payload []byte
	Reason  string
}

// ParseDisconnect turns a disconnect advisory for a producer connection into
// its last will. ok is false for advisories about other clients.
func ParseDisconnect(data []byte) (will LastWill, ok bool, err error) {
	var adv disconnectAdvisory
	if err := json.Unmarshal(data, &adv); err != nil {
		return LastWill{}, false, fmt.Errorf("disconnect advisory: %w", err)
	}
	if adv.Type != "" && adv.Type != disconnectAdvisoryType {
		return LastWill{}, false, nil
	}
	id, found := strings.CutPrefix(adv.Client.Name, AgentNamePrefix)
	if !found || strings.TrimSpace(id) == "" {
		return LastWill{}, false, nil
	}
	ts := adv.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload, err := json.Marshal(models.Announcement{MachineID: id, Status: models.Offline, Timestamp: ts})
	if err != nil {
		return LastWill{}, false, err
	}
	return LastWill{
		Topic:   decoder.AnnouncementTopic(decoder.SubjectToken(id)),
		Payload: payload,
		Reason:  adv.Reason,
	}, true, nil
}
