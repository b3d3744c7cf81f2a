package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and drive individual tasks",
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show all tasks Vicky is managing",
	RunE:  runTaskList,
}

func init() {
	taskCmd.AddCommand(taskListCmd, taskGetCmd, taskSubmitCmd, taskClaimCmd, taskFinishCmd, taskConfirmCmd)

	taskSubmitCmd.Flags().StringP("name", "n", "", "Display name for the task")
	taskSubmitCmd.Flags().StringSlice("lock-name", nil, "Lock name (repeat with --lock-type, in order)")
	taskSubmitCmd.Flags().StringSlice("lock-type", nil, "Lock type: READ or WRITE (paired positionally with --lock-name)")
	taskSubmitCmd.Flags().String("flake-url", "", "Flake reference the worker should build")
	taskSubmitCmd.Flags().StringSlice("flake-arg", nil, "Extra argument passed to the build tool")
	taskSubmitCmd.Flags().StringSlice("features", nil, "Worker features this task requires")
	taskSubmitCmd.Flags().String("group", "", "Task group")
	taskSubmitCmd.Flags().Bool("needs-confirmation", false, "Gate the task behind NEEDS_USER_VALIDATION until confirmed")
	_ = taskSubmitCmd.MarkFlagRequired("name")
	_ = taskSubmitCmd.MarkFlagRequired("flake-url")

	taskClaimCmd.Flags().StringSlice("features", nil, "Features this worker supports")
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all tasks Vicky is managing",
	RunE:  runTaskList,
}

func runTaskList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	status, body, err := c.do(http.MethodGet, "api/v1/tasks", nil)
	if err != nil {
		printHTTP(0, err.Error())
		return err
	}
	if status >= 300 {
		printHTTP(status, "couldn't list tasks")
		return errorStatus(status)
	}
	return printResponse(body)
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodGet, "api/v1/tasks/"+args[0], nil)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "task not found")
			return errorStatus(status)
		}
		return printResponse(body)
	},
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		lockNames, _ := cmd.Flags().GetStringSlice("lock-name")
		lockTypes, _ := cmd.Flags().GetStringSlice("lock-type")
		flakeURL, _ := cmd.Flags().GetString("flake-url")
		flakeArgs, _ := cmd.Flags().GetStringSlice("flake-arg")
		features, _ := cmd.Flags().GetStringSlice("features")
		group, _ := cmd.Flags().GetString("group")
		needsConfirmation, _ := cmd.Flags().GetBool("needs-confirmation")

		if len(lockNames) != len(lockTypes) {
			return fmt.Errorf("--lock-name and --lock-type must be given the same number of times")
		}
		locks := make([]map[string]string, len(lockNames))
		for i, name := range lockNames {
			locks[i] = map[string]string{"name": name, "type": lockTypes[i]}
		}

		payload := map[string]any{
			"display_name": name,
			"flake_ref": map[string]any{
				"flake": flakeURL,
				"args":  flakeArgs,
			},
			"locks":              locks,
			"features":           features,
			"group":              group,
			"needs_confirmation": needsConfirmation,
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/tasks", payload)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "task couldn't be scheduled")
			return errorStatus(status)
		}
		if ctx.humanize {
			printHTTP(status, "task was scheduled")
		}
		return printResponse(body)
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next ready task matching the given features",
	RunE: func(cmd *cobra.Command, args []string) error {
		features, _ := cmd.Flags().GetStringSlice("features")
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/tasks/claim", map[string]any{"features": features})
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "task couldn't be claimed")
			return errorStatus(status)
		}
		if ctx.humanize {
			printHTTP(status, "claim result")
		}
		return printResponse(body)
	},
}

var taskFinishCmd = &cobra.Command{
	Use:   "finish <id> <SUCCESS|ERROR>",
	Short: "Report a claimed task as finished",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/tasks/"+args[0]+"/finish", map[string]any{"result": args[1]})
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "task couldn't be finished")
			return errorStatus(status)
		}
		if ctx.humanize {
			printHTTP(status, "task was finished")
		}
		return printResponse(body)
	},
}

var taskConfirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm a task awaiting user validation, moving it to NEW",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/tasks/"+args[0]+"/confirm", nil)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "task couldn't be confirmed")
			return errorStatus(status)
		}
		if ctx.humanize {
			printHTTP(status, "task was confirmed")
		}
		return printResponse(body)
	},
}
