package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/errors"
)

var syncCmd = &cobra.Command{
	Use:   "sync [peer-url]",
	Short: "Run one reconciliation with a peer and print the outcome",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		peer := app.cfg.PeerURL
		if len(args) == 1 {
			peer = args[0]
		}
		if peer == "" {
			return errors.New(errors.ErrInvalid, "no peer: pass a peer URL or set PEER_URL")
		}

		session, err := app.coordinator.Reconcile(cmd.Context(), peer)
		if err != nil {
			return err
		}
		fmt.Printf("pushed: %d\npulled: %d\nconflicts: %d\n",
			session.Pushed, session.Pulled, session.Conflicts)
		return nil
	},
}
