// Package config loads BrowserConfig from environment variables, following
// the same defaults-then-env cascade shape as the daemon's own config
// loader (cmd/gasoline-cmd/config/loader.go), collapsed to defaults < env
// since this server has no project/global config files of its own — every
// tunable here is meant to be set once per process launch, not edited in a
// checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mode selects which CdpLikeConnection backend the session manager uses.
type Mode string

const (
	ModeLaunch    Mode = "launch"
	ModeAttach    Mode = "attach"
	ModeExtension Mode = "extension"
)

// Policy selects the strictness of session-manager-enforced policy.
type Policy string

const (
	PolicyPermissive Policy = "permissive"
	PolicyStrict     Policy = "strict"
)

// BrowserConfig is immutable for the life of a server, except CDPPort which
// may be mutated by hard recovery (relaunch with a different port).
type BrowserConfig struct {
	Mode Mode

	BinaryPath  string
	ProfilePath string
	CDPPort     int

	AllowHosts  []string
	HTTPTimeout int // milliseconds
	HTTPMaxBytes int

	ExtensionHost          string
	ExtensionPort          int
	ExtensionPortSpan      int
	ExtensionPortRange     string
	ExtensionID            string
	ExtensionConnectTimeout int // milliseconds
	ExtensionRPCTimeout     int // milliseconds
	ExtensionForceNewTab    bool
	ExtensionAutoLaunch     bool
	ExtensionProfile        string

	NativeBrokerDir    string
	NativeBrokerID     string
	NativeBrokerSocket string
	NativeHostDebug    bool

	Policy Policy

	Tier0       bool
	Diagnostics bool
	Downloads   bool
	DownloadDir string

	ArtifactMaxChars   int
	ChromeLogMaxChars  int
	AgentMemoryDir     string
	ServerVersion      string
}

// Defaults returns the baseline configuration before environment overrides.
func Defaults() BrowserConfig {
	return BrowserConfig{
		Mode:                    ModeLaunch,
		CDPPort:                 9222,
		HTTPTimeout:             10_000,
		HTTPMaxBytes:            2 << 20, // 2 MiB
		ExtensionHost:           "127.0.0.1",
		ExtensionPort:           8765,
		ExtensionPortSpan:       10,
		ExtensionConnectTimeout: 5_000,
		ExtensionRPCTimeout:     10_000,
		Policy:                  PolicyPermissive,
		Tier0:                   true,
		Diagnostics:             true,
		Downloads:               true,
		ArtifactMaxChars:        20_000,
		ChromeLogMaxChars:       20_000,
		ServerVersion:           "dev",
	}
}

// Load builds a BrowserConfig by applying every enumerated MCP_* env
// variable over Defaults().
func Load() (BrowserConfig, error) {
	cfg := Defaults()

	if v := os.Getenv("MCP_BROWSER_MODE"); v != "" {
		switch Mode(v) {
		case ModeLaunch, ModeAttach, ModeExtension:
			cfg.Mode = Mode(v)
		default:
			return cfg, fmt.Errorf("config: invalid MCP_BROWSER_MODE %q", v)
		}
	}
	cfg.BinaryPath = os.Getenv("MCP_BROWSER_BINARY")
	cfg.ProfilePath = os.Getenv("MCP_BROWSER_PROFILE")
	if err := intEnv("MCP_BROWSER_PORT", &cfg.CDPPort); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MCP_ALLOW_HOSTS"); v != "" {
		cfg.AllowHosts = splitNonEmpty(v, ",")
	}
	if err := intEnv("MCP_HTTP_TIMEOUT", &cfg.HTTPTimeout); err != nil {
		return cfg, err
	}

	if v := os.Getenv("MCP_EXTENSION_HOST"); v != "" {
		cfg.ExtensionHost = v
	}
	if err := intEnv("MCP_EXTENSION_PORT", &cfg.ExtensionPort); err != nil {
		return cfg, err
	}
	if err := intEnv("MCP_EXTENSION_PORT_SPAN", &cfg.ExtensionPortSpan); err != nil {
		return cfg, err
	}
	cfg.ExtensionPortRange = os.Getenv("MCP_EXTENSION_PORT_RANGE")
	cfg.ExtensionID = os.Getenv("MCP_EXTENSION_ID")
	if err := intEnv("MCP_EXTENSION_CONNECT_TIMEOUT", &cfg.ExtensionConnectTimeout); err != nil {
		return cfg, err
	}
	if err := intEnv("MCP_EXTENSION_RPC_TIMEOUT", &cfg.ExtensionRPCTimeout); err != nil {
		return cfg, err
	}
	cfg.ExtensionForceNewTab = boolEnv("MCP_EXTENSION_FORCE_NEW_TAB")
	cfg.ExtensionAutoLaunch = boolEnv("MCP_EXTENSION_AUTO_LAUNCH")
	cfg.ExtensionProfile = os.Getenv("MCP_EXTENSION_PROFILE")

	cfg.NativeBrokerDir = os.Getenv("MCP_NATIVE_BROKER_DIR")
	cfg.NativeBrokerID = os.Getenv("MCP_NATIVE_BROKER_ID")
	cfg.NativeBrokerSocket = os.Getenv("MCP_NATIVE_BROKER_SOCKET")
	cfg.NativeHostDebug = boolEnv("MCP_NATIVE_HOST_DEBUG")

	if v := os.Getenv("MCP_POLICY"); v != "" {
		switch Policy(v) {
		case PolicyPermissive, PolicyStrict:
			cfg.Policy = Policy(v)
		default:
			return cfg, fmt.Errorf("config: invalid MCP_POLICY %q", v)
		}
	}

	cfg.Tier0 = boolEnvDefault("MCP_TIER0", cfg.Tier0)
	cfg.Diagnostics = boolEnvDefault("MCP_DIAGNOSTICS", cfg.Diagnostics)
	cfg.Downloads = boolEnvDefault("MCP_DOWNLOADS", cfg.Downloads)
	cfg.DownloadDir = os.Getenv("MCP_DOWNLOAD_DIR")

	if err := intEnv("MCP_ARTIFACT_MAX_CHARS", &cfg.ArtifactMaxChars); err != nil {
		return cfg, err
	}
	if err := intEnv("MCP_CHROME_LOG_MAX_CHARS", &cfg.ChromeLogMaxChars); err != nil {
		return cfg, err
	}
	cfg.AgentMemoryDir = os.Getenv("MCP_AGENT_MEMORY_DIR")
	if v := os.Getenv("MCP_SERVER_VERSION"); v != "" {
		cfg.ServerVersion = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the mode-dependent invariants from §3: extension mode
// needs no direct CDP port; attach mode never spawns a browser (enforced by
// callers, not here, since that's a behavioral not a data constraint).
func (c BrowserConfig) Validate() error {
	if c.Mode == ModeLaunch && c.BinaryPath == "" {
		// Launch mode without a binary path is still valid — the session
		// manager falls back to platform discovery — so this is not an error.
		return nil
	}
	if c.Policy == PolicyStrict && len(c.AllowHosts) == 0 {
		// Not fatal at load time: NotConfigured is only raised when a tool
		// actually attempts an http fetch with nothing on the allow-list.
		return nil
	}
	return nil
}

// IsHostAllowed is the single predicate the session manager exposes for
// strict-mode host checks (§9 open question).
func (c BrowserConfig) IsHostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.AllowHosts {
		if strings.ToLower(allowed) == host {
			return true
		}
	}
	return false
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func boolEnv(name string) bool { return boolEnvDefault(name, false) }

func boolEnvDefault(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
