package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/api"
	"github.com/driftsync/driftsync/internal/config"
)

var tokenTTL time.Duration

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint a bearer token for the privileged device management endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := api.AdminToken(cfg.AdminSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
