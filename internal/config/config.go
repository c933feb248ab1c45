package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores environment-driven settings.
type Config struct {
	// Dir holds the database and the poll lock.
	Dir string `env:"AFK_DIR" envDefault:"${HOME}/.afk-gate" envExpand:"true"`
	// LogLevel sets the logger level.
	LogLevel string `env:"AFK_LOG_LEVEL" envDefault:"info"`
	// Lang selects message language for templates.
	Lang string `env:"AFK_LANG" envDefault:"en"`

	// TelegramToken is the bot token.
	TelegramToken string `env:"AFK_TELEGRAM_TOKEN"`
	// TelegramChatID is the chat receiving approval requests.
	TelegramChatID string `env:"AFK_TELEGRAM_CHAT_ID"`
	// TelegramAPIURL overrides the Bot API endpoint.
	TelegramAPIURL string `env:"AFK_TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	// SendRate caps outbound Bot API calls per second.
	SendRate float64 `env:"AFK_SEND_RATE" envDefault:"1"`

	// Timeout bounds the wait for a human decision.
	Timeout time.Duration `env:"AFK_TIMEOUT" envDefault:"1h"`
	// TimeoutAction is applied on expiry: approve or deny.
	TimeoutAction string `env:"AFK_TIMEOUT_ACTION" envDefault:"deny"`
	// PollInterval is the pause between store checks and drains.
	PollInterval time.Duration `env:"AFK_POLL_INTERVAL" envDefault:"1s"`
	// GracePeriod keeps a finished leader draining for other waiters.
	GracePeriod time.Duration `env:"AFK_GRACE_PERIOD" envDefault:"5s"`

	// SessionIdle marks sessions inactive after this long without calls.
	SessionIdle time.Duration `env:"AFK_SESSION_IDLE" envDefault:"30m"`
	// MaintenanceSchedule is a cron spec for housekeeping.
	MaintenanceSchedule string `env:"AFK_MAINTENANCE_SCHEDULE" envDefault:"@every 10m"`
	// AuditRetention prunes audit entries older than this.
	AuditRetention time.Duration `env:"AFK_AUDIT_RETENTION" envDefault:"720h"`

	// MCPTransport is stdio or http.
	MCPTransport string `env:"AFK_MCP_TRANSPORT" envDefault:"stdio"`
	// MCPListen is the HTTP listen address.
	MCPListen string `env:"AFK_MCP_LISTEN" envDefault:":8080"`
	// MCPPath is the HTTP route of the MCP handler.
	MCPPath string `env:"AFK_MCP_PATH" envDefault:"/mcp"`
	// ShutdownTimeout controls graceful shutdown duration.
	ShutdownTimeout time.Duration `env:"AFK_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses environment variables into Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadWith parses Config from the given variables instead of the process environment.
func LoadWith(vars map[string]string) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: vars})
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("AFK_DIR is empty")
	}
	switch c.TimeoutAction {
	case "approve", "deny":
	default:
		return fmt.Errorf("AFK_TIMEOUT_ACTION must be approve or deny, got %q", c.TimeoutAction)
	}
	switch c.MCPTransport {
	case "stdio", "http":
	default:
		return fmt.Errorf("AFK_MCP_TRANSPORT must be stdio or http, got %q", c.MCPTransport)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("AFK_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("AFK_POLL_INTERVAL must be positive")
	}
	if c.SendRate <= 0 {
		return fmt.Errorf("AFK_SEND_RATE must be positive")
	}
	return nil
}

// TelegramEnabled reports whether bot credentials are set.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}

// DBPath is the SQLite database file.
func (c Config) DBPath() string {
	return filepath.Join(c.Dir, "afk.db")
}

// LockPath is the poll lock file.
func (c Config) LockPath() string {
	return filepath.Join(c.Dir, "poll.lock")
}
