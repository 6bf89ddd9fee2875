package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"blockremote/internal/auth"
	"blockremote/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for an agent or operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault(config.ResolvePath(configPath))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a, err := auth.New(cfg.Auth)
		if err != nil {
			return err
		}
		tok, err := a.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
