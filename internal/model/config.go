package model

import (
	"io"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Verbose   bool      `json:"verbose" yaml:"verbose"`
	Session   Session   `json:"session" yaml:"session"`
	Control   Control   `json:"control" yaml:"control"`
	Readiness Readiness `json:"readiness" yaml:"readiness"`
	Shutdown  Shutdown  `json:"shutdown" yaml:"shutdown"`
	Runtime   Runtime   `json:"runtime" yaml:"runtime"`
	Tunnel    Tunnel    `json:"tunnel" yaml:"tunnel"`
	Model     Model     `json:"model" yaml:"model"`
	App       App       `json:"app" yaml:"app"`
	LogView   LogView   `json:"logview" yaml:"logview"`
}

// Session describes where logs of one supervisor run are kept.
type Session struct {
	Dir       Path   `json:"dir" yaml:"dir"`             // base of run_* directories
	TmpDir    Path   `json:"tmp_dir" yaml:"tmp_dir"`     // ephemeral <name>.log files
	Retention string `json:"retention" yaml:"retention"` // ISO8601, e.g. P30D
	Sweep     string `json:"sweep" yaml:"sweep"`         // cron expression
}

type Control struct {
	TriggerFile Path     `json:"trigger_file" yaml:"trigger_file"`
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`
}

type Readiness struct {
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	Interval    Duration `json:"interval" yaml:"interval"`
	AppAttempts int      `json:"app_attempts" yaml:"app_attempts"`
}

type Shutdown struct {
	Grace Duration `json:"grace" yaml:"grace"`
}

// Runtime controls the optional wrappers around service commands.
type Runtime struct {
	CondaEnv   string `json:"conda_env" yaml:"conda_env"`
	LineBuffer bool   `json:"line_buffer" yaml:"line_buffer"`
	Color      string `json:"color" yaml:"color"` // "auto" | "always" | "never"
}

type Tunnel struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Binary   string `json:"binary" yaml:"binary"`
	Config   Path   `json:"config" yaml:"config"` // empty => quick tunnel, no config required
	Hostname string `json:"hostname" yaml:"hostname"`
}

type Model struct {
	Binary string   `json:"binary" yaml:"binary"` // explicit path, empty => $PATH lookup
	Args   []string `json:"args" yaml:"args"`
	URLs   []string `json:"urls" yaml:"urls"`
}

type App struct {
	Python       string `json:"python" yaml:"python"` // explicit interpreter, empty => $PATH lookup
	Entry        string `json:"entry" yaml:"entry"`
	Dir          Path   `json:"dir" yaml:"dir"`
	Port         int    `json:"port" yaml:"port"`
	ReadyPattern string `json:"ready_pattern" yaml:"ready_pattern"`
}

type LogView struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is found. The
// values come from the defaults of the embedded schema.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return *cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
