package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/config"
)

// Terminal identifies this terminal to peers and to the license server.
type Terminal struct {
	ID          string
	Name        string
	Role        string
	Version     string
	Fingerprint string
}

// New derives the terminal identity. The ID is stable per install,
// the fingerprint is stable per machine.
func New(cfg config.Config) (Terminal, error) {
	id, err := stableID(cfg)
	if err != nil {
		return Terminal{}, err
	}
	return Terminal{
		ID:          id,
		Name:        cfg.StoreLabel,
		Role:        cfg.TerminalRole,
		Version:     cfg.AppVersion,
		Fingerprint: Fingerprint(),
	}, nil
}

func stableID(cfg config.Config) (string, error) {
	path := cfg.DatabasePath + ".terminal_id"
	if raw, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(raw))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist terminal id: %w", err)
	}
	return id, nil
}

// Fingerprint hashes stable machine identifiers. It never fails: when a
// source is unavailable the remaining ones still produce a stable value.
func Fingerprint() string {
	var parts []string

	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(p); err == nil {
			parts = append(parts, strings.TrimSpace(string(raw)))
			break
		}
	}

	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}

	if ifaces, err := net.Interfaces(); err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
				continue
			}
			parts = append(parts, ifc.HardwareAddr.String())
			break
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

var Module = fx.Module("identity",
	fx.Provide(New),
)
