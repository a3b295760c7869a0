package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/polardev/chatstack/internal/log"
	"github.com/polardev/chatstack/internal/model"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "chatstack.yaml"

var (
	userConfigPath string // /default/config/path/chatstack on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = os.TempDir()
	}
	userConfigPath = filepath.Join(d, "chatstack")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initChatstack

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("chatstack failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chatstack",
	Short:        "Supervisor of the localchat stack: cloudflared, ollama and the app",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a chatstack",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("chatstack: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("chatstack: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initChatstack(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CHATSTACKCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			// read only home directories must not prevent a start
			slog.Warn("default configuration not stored", "path", configPath, "error", err)
			configPath = ""
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		loaded, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *loaded
	}

	// environment has a precedence over the config file
	var err error
	config, err = model.ApplyEnv(config, viper.New())
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	// initialize logging, run replaces it once the console exists
	slog.SetDefault(log.New(config.Verbose))

	slog.Debug("chatstack", "configPath", configPath)
	slog.Debug("chatstack", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
