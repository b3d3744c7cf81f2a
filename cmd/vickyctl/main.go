// Command vickyctl is the operator CLI for a Vicky server: submit and
// inspect tasks, list and resolve poisoned locks, and manage task
// templates. Built with github.com/spf13/cobra for the command tree and
// github.com/AlecAivazis/survey/v2 for the interactive lock-unlock
// table-picker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// appCtx holds the server URL, bearer token, and whether to
// pretty-print responses, sourced from flags, VICKY_URL/VICKY_TOKEN
// environment variables, or a saved account file, in that order of
// precedence.
type appCtx struct {
	vickyURL string
	token    string
	humanize bool
}

var ctx appCtx

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "vickyctl",
	Short:        "Operate a Vicky delegation server",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadContext(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("vicky-url", "", "Vicky server URL (env VICKY_URL)")
	rootCmd.PersistentFlags().String("vicky-token", "", "Bearer token (env VICKY_TOKEN)")
	rootCmd.PersistentFlags().Bool("humanize", false, "Pretty-print JSON responses with color")
	rootCmd.SetVersionTemplate(fmt.Sprintf("vickyctl version %s\n", version))

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(accountCmd)
}

// loadContext resolves vickyURL/token in priority order: explicit flags
// win, then the VICKY_URL/VICKY_TOKEN environment variables, then the
// account file saved by `vickyctl account login`. It runs for every
// subcommand, including those that never contact the server.
func loadContext(cmd *cobra.Command) error {
	url, _ := cmd.Flags().GetString("vicky-url")
	token, _ := cmd.Flags().GetString("vicky-token")
	humanize, _ := cmd.Flags().GetBool("humanize")

	if url == "" {
		url = os.Getenv("VICKY_URL")
	}
	if token == "" {
		token = os.Getenv("VICKY_TOKEN")
	}
	if url == "" || token == "" {
		if saved, err := loadAccount(); err == nil {
			if url == "" {
				url = saved.VickyURL
			}
			if token == "" {
				token = saved.Token
			}
		}
	}

	ctx = appCtx{vickyURL: url, token: token, humanize: humanize}
	return nil
}
