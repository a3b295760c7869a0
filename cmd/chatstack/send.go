package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polardev/chatstack/internal/control"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "send writes a command for a running chatstack to the trigger file",
	Long: "send writes a command for a running chatstack to the trigger file.\n\n" +
		strings.Join(control.HelpLines(), "\n"),
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := control.Parse(strings.Join(args, " "))
		if !c.Known() {
			return fmt.Errorf("unknown command %q", c)
		}
		path := config.Control.TriggerFile.String()
		if err := control.WriteTrigger(path, string(c)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", c, path)
		return nil
	},
}
