package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List and resolve locks Vicky is managing",
}

func init() {
	locksCmd.AddCommand(locksListCmd, locksUnlockCmd)
	locksListCmd.Flags().Bool("active", false, "List active (non-poisoned) locks instead of poisoned ones")
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show poisoned locks, or active locks with --active",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetBool("active")
		path := "api/v1/locks/poisoned"
		if active {
			path = "api/v1/locks/active"
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodGet, path, nil)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "couldn't list locks")
			return errorStatus(status)
		}
		return printResponse(body)
	},
}

// poisonedLockSummary is the subset of pkg/types.PoisonedLock this
// command needs to build a survey prompt; kept local rather than
// importing pkg/types so vickyctl stays decoupled from the server's
// internal package layout.
type poisonedLockSummary struct {
	Lock struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"lock"`
	Task struct {
		DisplayName string `json:"display_name"`
		FlakeRef    struct {
			Flake string `json:"flake"`
		} `json:"flake_ref"`
	} `json:"poisoned_by_task"`
}

var locksUnlockCmd = &cobra.Command{
	Use:   "unlock [lock-name]",
	Short: "Clear the poison marker on a lock, prompting interactively if no name is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return unlockByName(c, args[0])
		}
		return interactiveUnlock(c)
	},
}

func unlockByName(c *apiClient, name string) error {
	status, _, err := c.do(http.MethodPatch, "api/v1/locks/unlock/"+name, nil)
	if err != nil {
		printHTTP(0, err.Error())
		return err
	}
	if status >= 300 {
		printHTTP(status, fmt.Sprintf("couldn't unlock %q", name))
		return errorStatus(status)
	}
	printHTTP(status, fmt.Sprintf("lock %q cleared", name))
	return nil
}

// interactiveUnlock drives a survey/v2 select-then-confirm prompt: pick
// a poisoned lock from the detailed listing, confirm, unlock, and loop
// until the operator quits or no poisoned locks remain.
func interactiveUnlock(c *apiClient) error {
	for {
		locks, err := fetchDetailedPoisonedLocks(c)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Println(color.GreenString("no poisoned locks remain"))
			return nil
		}

		options := make([]string, len(locks))
		for i, l := range locks {
			options[i] = fmt.Sprintf("%s [%s] — poisoned by %q (%s)", l.Lock.Name, l.Lock.Type, l.Task.DisplayName, l.Task.FlakeRef.Flake)
		}
		options = append(options, "quit")

		var choice string
		if err := survey.AskOne(&survey.Select{
			Message: "Select a lock to resolve:",
			Options: options,
		}, &choice); err != nil {
			return err
		}
		if choice == "quit" {
			return nil
		}

		var selected poisonedLockSummary
		for i, opt := range options {
			if opt == choice && i < len(locks) {
				selected = locks[i]
				break
			}
		}

		confirmed := false
		if err := survey.AskOne(&survey.Confirm{
			Message: fmt.Sprintf("Clear poison on lock %q? This cannot be undone.", selected.Lock.Name),
			Default: false,
		}, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			continue
		}
		if err := unlockByName(c, selected.Lock.Name); err != nil {
			return err
		}
	}
}

func fetchDetailedPoisonedLocks(c *apiClient) ([]poisonedLockSummary, error) {
	status, body, err := c.do(http.MethodGet, "api/v1/locks/poisoned_detailed", nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, errorStatus(status)
	}
	var locks []poisonedLockSummary
	if err := json.Unmarshal(body, &locks); err != nil {
		return nil, fmt.Errorf("decode poisoned locks: %w", err)
	}
	return locks, nil
}
