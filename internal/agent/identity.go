package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ResolveIdentity returns the machine identity: the MAC address of the
// primary network interface, or else a UUID generated once and kept in
// idFile so it survives restarts.
func ResolveIdentity(idFile string) (string, error) {
	if ifaces, err := net.Interfaces(); err == nil {
		if mac := primaryMAC(ifaces); mac != "" {
			return mac, nil
		}
	}
	return loadOrCreateID(idFile)
}

func primaryMAC(ifaces []net.Interface) string {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if isPrimary(iface.Name) {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}

func loadOrCreateID(path string) (string, error) {
	if path == "" {
		return "", errors.New("no primary interface and no identity file configured")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}
