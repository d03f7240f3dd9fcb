package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/models"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		pending, err := app.store.Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending conflicts")
			return nil
		}
		for _, c := range pending {
			fmt.Printf("%s\t%s/%s\tlocal v%d (%s) vs remote v%d (%s)\n",
				c.ID, c.TableName, c.RecordID,
				c.LocalVersion, c.LocalDeviceID,
				c.RemoteVersion, c.RemoteDeviceID)
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict with a policy or an explicit winner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		winner, _ := cmd.Flags().GetString("winner")
		policyFlag, _ := cmd.Flags().GetString("policy")

		var resolution *models.Resolution
		if winner != "" {
			resolution, err = app.resolver.ResolveManual(cmd.Context(), args[0], models.Side(winner))
		} else {
			var policy config.Policy
			if policyFlag != "" {
				if policy, err = config.ParsePolicy(policyFlag); err != nil {
					return err
				}
			}
			resolution, err = app.resolver.Resolve(cmd.Context(), args[0], policy)
		}
		if err != nil {
			return err
		}
		fmt.Printf("resolved: winner=%s reason=%s\n", resolution.Winner, resolution.Reason)
		return nil
	},
}

var conflictsIgnoreCmd = &cobra.Command{
	Use:   "ignore <conflict-id>",
	Short: "Close a conflict without applying either side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.resolver.Ignore(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("ignored %s\n", args[0])
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().String("winner", "", "explicit winner: local or remote")
	conflictsResolveCmd.Flags().String("policy", "", "resolution policy: local_wins, remote_wins, latest_timestamp_wins")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsIgnoreCmd)
}
