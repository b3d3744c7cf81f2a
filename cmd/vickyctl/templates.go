package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage task templates",
}

func init() {
	templateCmd.AddCommand(templateListCmd, templateInstantiateCmd, templateExportCmd, templateImportCmd)

	templateInstantiateCmd.Flags().StringToString("var", nil, "Template variable, repeatable: --var key=value")
	templateInstantiateCmd.Flags().Bool("needs-confirmation", false, "Gate the instantiated task behind NEEDS_USER_VALIDATION")

	templateExportCmd.Flags().StringP("output", "o", "", "Write YAML to this file instead of stdout")
	templateImportCmd.Flags().StringP("file", "f", "", "YAML file to import (required)")
	_ = templateImportCmd.MarkFlagRequired("file")
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all task templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodGet, "api/v1/task-templates", nil)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "couldn't list task templates")
			return errorStatus(status)
		}
		return printResponse(body)
	},
}

var templateInstantiateCmd = &cobra.Command{
	Use:   "instantiate <id>",
	Short: "Instantiate a task template into a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, _ := cmd.Flags().GetStringToString("var")
		needsConfirmation, _ := cmd.Flags().GetBool("needs-confirmation")

		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/task-templates/"+args[0]+"/instantiate", map[string]any{
			"variables":          vars,
			"needs_confirmation": needsConfirmation,
		})
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "couldn't instantiate task template")
			return errorStatus(status)
		}
		return printResponse(body)
	},
}

// templateExportCmd and templateImportCmd round-trip a task template
// through YAML files, for keeping templates in a git repo alongside the
// flakes they reference.
var templateExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a task template to YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodGet, "api/v1/task-templates", nil)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "couldn't fetch task templates")
			return errorStatus(status)
		}

		var templates []map[string]any
		if err := json.Unmarshal(body, &templates); err != nil {
			return fmt.Errorf("decode task templates: %w", err)
		}
		var found map[string]any
		for _, tmpl := range templates {
			if fmt.Sprint(tmpl["id"]) == args[0] || fmt.Sprint(tmpl["name"]) == args[0] {
				found = tmpl
				break
			}
		}
		if found == nil {
			return fmt.Errorf("no task template matching %q", args[0])
		}

		yamlBytes, err := yaml.Marshal(found)
		if err != nil {
			return fmt.Errorf("encode template as YAML: %w", err)
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			fmt.Print(string(yamlBytes))
			return nil
		}
		return os.WriteFile(output, yamlBytes, 0o644)
	},
}

var templateImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create a task template from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var tmpl map[string]any
		if err := yaml.Unmarshal(raw, &tmpl); err != nil {
			return fmt.Errorf("parse %s as YAML: %w", path, err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		status, body, err := c.do(http.MethodPost, "api/v1/task-templates", tmpl)
		if err != nil {
			printHTTP(0, err.Error())
			return err
		}
		if status >= 300 {
			printHTTP(status, "couldn't create task template")
			return errorStatus(status)
		}
		return printResponse(body)
	},
}
