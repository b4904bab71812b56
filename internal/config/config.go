package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/protocol"
)

// Terminal roles, in the internal form of the protocol role table.
const (
	RoleStandalone = protocol.RoleStandalone
	RoleMaster     = protocol.RoleMaster
	RoleSatellite  = protocol.RoleSatellite
)

// Config holds the coordination core configuration.
type Config struct {
	AppName    string
	AppVersion string

	TerminalRole string
	StoreLabel   string

	DatabasePath string

	NetworkServerPort int
	MasterAddress     string
	MasterSecret      string

	LicenseServerURL string
	LicenseKey       string

	SessionTTL             time.Duration
	SessionMaxPerPrincipal int

	SyncInterval     time.Duration
	SyncBatchSize    int
	SyncPullLimit    int
	ValidateInterval time.Duration

	HeartbeatPeriod time.Duration

	MaxPeerConnections int

	Logger LoggerConfig
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:    getenv("GIRO_APP_SERVICE", "giro-core"),
		AppVersion: getenv("GIRO_APP_VERSION", "1.0.0"),

		TerminalRole: normalizeRole(getenv("GIRO_TERMINAL_ROLE", RoleStandalone)),
		StoreLabel:   getenv("GIRO_STORE_LABEL", ""),

		DatabasePath: getenv("GIRO_DATABASE_PATH", "giro.db"),

		NetworkServerPort: getenvInt("GIRO_NETWORK_SERVER_PORT", 3847),
		MasterAddress:     strings.TrimSpace(getenv("GIRO_MASTER_ADDRESS", "")),
		MasterSecret:      strings.TrimSpace(getenv("GIRO_MASTER_SECRET", "")),

		LicenseServerURL: strings.TrimRight(getenv("GIRO_LICENSE_SERVER_URL", ""), "/"),
		LicenseKey:       strings.TrimSpace(getenv("GIRO_LICENSE_KEY", "")),

		SessionTTL:             getenvDuration("GIRO_SESSION_TTL", 8*time.Hour),
		SessionMaxPerPrincipal: getenvInt("GIRO_SESSION_MAX_PER_PRINCIPAL", 2),

		SyncInterval:     getenvDuration("GIRO_SYNC_INTERVAL", 5*time.Minute),
		SyncBatchSize:    getenvInt("GIRO_SYNC_BATCH_SIZE", 100),
		SyncPullLimit:    getenvInt("GIRO_SYNC_PULL_LIMIT", 100),
		ValidateInterval: getenvDuration("GIRO_LICENSE_VALIDATE_INTERVAL", 6*time.Hour),

		HeartbeatPeriod: getenvDuration("GIRO_HEARTBEAT_PERIOD", 20*time.Second),

		MaxPeerConnections: getenvInt("GIRO_MAX_PEER_CONNECTIONS", 10),

		Logger: LoggerConfig{
			Level: getenv("GIRO_LOG_LEVEL", "info"),
		},
	}
}

// Module provides the loaded configuration to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSettingsHolder),
)

func (c Config) IsMaster() bool     { return c.TerminalRole == RoleMaster }
func (c Config) IsSatellite() bool  { return c.TerminalRole == RoleSatellite }
func (c Config) IsStandalone() bool { return c.TerminalRole == RoleStandalone }

func normalizeRole(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case RoleMaster:
		return RoleMaster
	case RoleSatellite:
		return RoleSatellite
	default:
		return RoleStandalone
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
