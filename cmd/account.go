/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/server"
	"github.com/spf13/cobra"
)

var (
	accountID    int64
	accountEmail string
)

// accountCmd groups operator commands for a single account.
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
	Long: `Manage accounts. Usage:

	authd account deactivate --email jane@example.com
	authd account activate --id 42
`,
}

var accountActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Allow an account to log in again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountActive(cmd.Context(), cmd, true)
	},
}

var accountDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Block an account from logging in and end its session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountActive(cmd.Context(), cmd, false)
	},
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountActivateCmd, accountDeactivateCmd)

	accountCmd.PersistentFlags().Int64Var(&accountID, "id", 0, "account id")
	accountCmd.PersistentFlags().StringVar(&accountEmail, "email", "", "account email")
	accountCmd.MarkFlagsMutuallyExclusive("id", "email")
	accountCmd.MarkFlagsOneRequired("id", "email")
}

func setAccountActive(ctx context.Context, cmd *cobra.Command, active bool) error {
	cfg := config.LoadConfig()
	if cfg.StoreBackend == config.StoreBackendMemory {
		return errors.New("account commands need the postgres store")
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Shutdown(context.Background())

	auth := srv.Auth()
	if accountEmail != "" {
		acc, err := auth.SetActiveByEmail(ctx, accountEmail, active)
		if err != nil {
			return err
		}
		accountID = acc.ID
	} else if _, err := auth.SetActive(ctx, accountID, active); err != nil {
		return err
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "account %d %s\n", accountID, state)
	return nil
}
