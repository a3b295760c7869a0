package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// environment variables overriding the configuration file
const (
	EnvCondaEnv    = "CONDA_ENV"
	EnvOllamaBin   = "OLLAMA_BIN"
	EnvPythonBin   = "PYTHON_BIN"
	EnvPort        = "PORT"
	EnvWaitTimeout = "OLLAMA_WAIT_TIMEOUT"
	EnvTrigger     = "CHATSTACK_TRIGGER_FILE"
	EnvSessionDir  = "CHATSTACK_SESSION_DIR"
	EnvHostname    = "CLOUDFLARE_HOSTNAME"
	EnvUseTunnel   = "USE_CLOUDFLARE"
)

var envBindings = []struct {
	key string
	env string
}{
	{"runtime.conda_env", EnvCondaEnv},
	{"model.binary", EnvOllamaBin},
	{"app.python", EnvPythonBin},
	{"app.port", EnvPort},
	{"readiness.timeout", EnvWaitTimeout},
	{"control.trigger_file", EnvTrigger},
	{"session.dir", EnvSessionDir},
	{"tunnel.enabled", EnvUseTunnel},
}

// ApplyEnv returns cfg with environment overrides applied. The environment
// has a precedence over the config file. A nil v uses a fresh viper instance.
func ApplyEnv(cfg Config, v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return cfg, fmt.Errorf("binding %s: %w", b.env, err)
		}
	}

	if v.IsSet("runtime.conda_env") {
		cfg.Runtime.CondaEnv = v.GetString("runtime.conda_env")
	}
	if v.IsSet("model.binary") {
		cfg.Model.Binary = expandPath(v.GetString("model.binary"))
	}
	if v.IsSet("app.python") {
		cfg.App.Python = expandPath(v.GetString("app.python"))
	}
	if v.IsSet("app.port") {
		port, err := strconv.Atoi(strings.TrimSpace(v.GetString("app.port")))
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("%s: invalid port %q", EnvPort, v.GetString("app.port"))
		}
		cfg.App.Port = port
	}
	if v.IsSet("readiness.timeout") {
		d, err := parseTimeout(v.GetString("readiness.timeout"))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvWaitTimeout, err)
		}
		cfg.Readiness.Timeout = Duration{Duration: d}
	}
	if v.IsSet("control.trigger_file") {
		cfg.Control.TriggerFile = Path(expandPath(v.GetString("control.trigger_file")))
	}
	if v.IsSet("session.dir") {
		cfg.Session.Dir = Path(expandPath(v.GetString("session.dir")))
	}
	// set but empty asks for a quick tunnel without a hostname
	if h, ok := os.LookupEnv(EnvHostname); ok {
		cfg.Tunnel.Hostname = strings.TrimSpace(h)
	}
	if v.IsSet("tunnel.enabled") {
		cfg.Tunnel.Enabled = v.GetString("tunnel.enabled") == "1" || v.GetBool("tunnel.enabled")
	}
	return cfg, nil
}

// parseTimeout accepts plain seconds ("20") as well as Go durations ("1m").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}
