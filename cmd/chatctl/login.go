package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/marketchat/internal/auth"
	"github.com/ehrlich-b/marketchat/internal/config"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the marketplace bearer token used to connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				return errors.New("--token is required")
			}
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			creds, err := auth.NewTokenStore(dir).SaveToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", creds.Identity)
			return nil
		},
	}
	cmd.Flags().String("token", "", "Bearer token issued by the marketplace")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			if err := auth.NewTokenStore(dir).Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}
