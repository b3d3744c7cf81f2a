package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// savedAccount is what `account login` writes to disk: just enough to
// reach the server without re-authenticating on every invocation.
type savedAccount struct {
	VickyURL string `json:"vicky_url"`
	Token    string `json:"token"`
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the saved Vicky server connection",
}

func init() {
	accountCmd.AddCommand(accountLoginCmd, accountShowCmd)

	accountLoginCmd.Flags().String("vicky-url", "", "Vicky server URL (required)")
	accountLoginCmd.Flags().String("token", "", "Bearer token (required)")
	_ = accountLoginCmd.MarkFlagRequired("vicky-url")
	_ = accountLoginCmd.MarkFlagRequired("token")
}

// accountLoginCmd is a direct token save rather than a device-code login
// flow: operators mint the bearer token themselves (the server's OIDC
// provider, or a machine token from its config) and hand it to vickyctl
// once; everything after that reads from the saved file.
var accountLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a Vicky server URL and bearer token for future commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("vicky-url")
		token, _ := cmd.Flags().GetString("token")

		path, err := accountFilePath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		data, err := json.MarshalIndent(savedAccount{VickyURL: url, Token: token}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Println(color.GreenString("saved account to %s", path))
		return nil
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the currently resolved server URL and whether a token is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ctx.vickyURL == "" {
			fmt.Println("no Vicky server URL configured")
			return nil
		}
		fmt.Printf("vicky_url: %s\n", ctx.vickyURL)
		if ctx.token == "" {
			fmt.Println("token:     (none)")
		} else {
			fmt.Println("token:     ****** (set)")
		}
		return nil
	},
}

func accountFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(dir, "vickyctl", "account.json"), nil
}

func loadAccount() (*savedAccount, error) {
	path, err := accountFilePath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var acct savedAccount
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &acct, nil
}
