package model

import (
	"path/filepath"
	"strconv"

	"github.com/polardev/chatstack/internal/osproc"
)

// Names of the supervised services. They double as log file base names.
const (
	ServiceTunnel     = "cloudflared"
	ServiceModel      = "ollama"
	ServiceApp        = "localchat"
	ServiceSupervisor = "supervisor"
)

type OutputMode int

const (
	// OutputStream pipes combined stdout+stderr through the multiplexer.
	OutputStream OutputMode = iota
	// OutputFile lets the child write its temp log itself; the file is tailed.
	OutputFile
)

// ReadinessCheck describes how to decide a service accepts traffic. Any of
// the strategies succeeding makes the service ready.
type ReadinessCheck struct {
	URLs    []string
	LogPath string
	Pattern string // regexp matched against LogPath
}

func (c ReadinessCheck) IsZero() bool {
	return len(c.URLs) == 0 && (c.LogPath == "" || c.Pattern == "")
}

// ServiceSpec is an immutable description of one supervised service.
type ServiceSpec struct {
	Name       string
	Tag        string
	Color      string // lipgloss color of the tag when no severity applies
	Program    string // looked up in $PATH when Binary is empty
	Binary     string // explicit override
	Args       []string
	Env        []string // KEY=VALUE added to the supervisor environment
	Dir        string
	Match      osproc.Pattern // recognizes the service among all processes
	TmpLog     string
	SessionLog string // file name inside the session directory
	Output     OutputMode
	Ready      ReadinessCheck

	Isolated     bool // run inside the configured conda environment
	LineBuffered bool // prefix with stdbuf -oL -eL
	ReclaimPort  int  // terminate foreign listeners on this port before start
	ConfigFile   string
}

// Stack is the fixed set of services, in start order.
type Stack struct {
	Tunnel ServiceSpec
	Model  ServiceSpec
	App    ServiceSpec
}

func (s Stack) All() []ServiceSpec {
	return []ServiceSpec{s.Tunnel, s.Model, s.App}
}

func (s Stack) ByName(name string) (ServiceSpec, bool) {
	for _, spec := range s.All() {
		if spec.Name == name {
			return spec, true
		}
	}
	return ServiceSpec{}, false
}

// Stack builds the service specs from the configuration.
func (c Config) Stack() Stack {
	tmp := c.Session.TmpDir.String()
	port := strconv.Itoa(c.App.Port)

	tunnelArgs := []string{"tunnel"}
	if c.Tunnel.Config != "" {
		tunnelArgs = append(tunnelArgs, "--config", c.Tunnel.Config.String())
	}
	tunnelArgs = append(tunnelArgs, "--url", "http://localhost:"+port, "--no-autoupdate")
	if c.Tunnel.Hostname != "" {
		tunnelArgs = append(tunnelArgs, "--hostname", c.Tunnel.Hostname)
	}

	entry := appEntry(c.App)
	appReady := ReadinessCheck{
		URLs:    []string{"http://127.0.0.1:" + port + "/"},
		LogPath: filepath.Join(tmp, ServiceApp+".log"),
		Pattern: c.App.ReadyPattern,
	}

	return Stack{
		Tunnel: ServiceSpec{
			Name:       ServiceTunnel,
			Tag:        "CLOUDFLARED",
			Color:      "6",
			Program:    c.Tunnel.Binary,
			Args:       tunnelArgs,
			Match:      osproc.Pattern{Program: filepath.Base(c.Tunnel.Binary), Args: []string{"tunnel"}},
			TmpLog:     filepath.Join(tmp, ServiceTunnel+".log"),
			SessionLog: ServiceTunnel + ".log",
			Output:     OutputFile,
			ConfigFile: c.Tunnel.Config.String(),
		},
		Model: ServiceSpec{
			Name:         ServiceModel,
			Tag:          "OLLAMA",
			Color:        "5",
			Program:      "ollama",
			Binary:       c.Model.Binary,
			Args:         append([]string(nil), c.Model.Args...),
			Match:        modelMatch(c.Model),
			TmpLog:       filepath.Join(tmp, ServiceModel+".log"),
			SessionLog:   ServiceModel + ".log",
			Output:       OutputStream,
			LineBuffered: c.Runtime.LineBuffer,
			Ready:        ReadinessCheck{URLs: append([]string(nil), c.Model.URLs...)},
		},
		App: ServiceSpec{
			Name:         ServiceApp,
			Tag:          "LOCALCHAT",
			Color:        "2",
			Program:      "python3",
			Binary:       c.App.Python,
			Args:         []string{"-u", entry},
			Env:          []string{"PORT=" + port, "PYTHONUNBUFFERED=1"},
			Dir:          c.App.Dir.String(),
			Match:        osproc.Pattern{Program: interpreter(c.App), Args: []string{"-u", entry}},
			TmpLog:       filepath.Join(tmp, ServiceApp+".log"),
			SessionLog:   ServiceApp + ".log",
			Output:       OutputStream,
			Ready:        appReady,
			Isolated:     true,
			LineBuffered: c.Runtime.LineBuffer,
			ReclaimPort:  c.App.Port,
		},
	}
}

// modelMatch recognizes the daemon by its binary name and arguments,
// "ollama serve" unless overridden.
func modelMatch(m Model) osproc.Pattern {
	prog := "ollama"
	if m.Binary != "" {
		prog = filepath.Base(m.Binary)
	}
	return osproc.Pattern{Program: prog, Args: append([]string(nil), m.Args...)}
}

// appEntry is the entry script as an absolute path, so that only this
// checkout's app is ever recognized as running.
func appEntry(a App) string {
	entry := a.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(a.Dir.String(), entry)
	}
	if abs, err := filepath.Abs(entry); err == nil {
		return abs
	}
	return filepath.Clean(entry)
}

func interpreter(a App) string {
	if a.Python != "" {
		return filepath.Base(a.Python)
	}
	return "python"
}
