package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var home string
	serve := newServeCmd()

	root := &cobra.Command{
		Use:   "goagency",
		Short: "goagency - content agency coordination daemon",
		Long: `goagency coordinates a team of content agents: it routes messages between
them, schedules and distributes content to social platforms, rolls up
performance metrics and raises alerts.

Run without a subcommand to start the daemon.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if home != "" {
				_ = os.Setenv("GOAGENCY_HOME", home)
			}
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default $GOAGENCY_HOME or ~/.goagency)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newStatusCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
