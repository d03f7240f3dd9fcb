package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/crypto"
	"github.com/driftsync/driftsync/internal/errors"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage the device registry",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register <device-id> <display-name>",
	Short: "Register a peer device (starts unauthorized)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		publicKey, _ := cmd.Flags().GetString("public-key")
		address, _ := cmd.Flags().GetString("address")
		device, err := app.registry.Register(args[0], args[1], publicKey, address)
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (%s), authorized: %v\n",
			device.DeviceID, device.DisplayName, device.Authorized)
		return nil
	},
}

var deviceAuthorizeCmd = &cobra.Command{
	Use:   "authorize <device-id>",
	Short: "Allow a registered device to sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.registry.Authorize(args[0]); err != nil {
			return err
		}
		fmt.Printf("authorized %s\n", args[0])
		return nil
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Withdraw a device's authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.registry.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		all, _ := cmd.Flags().GetBool("all")
		list, err := app.registry.List(!all)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no devices")
			return nil
		}
		for _, d := range list {
			last := "never"
			if t := d.LastSyncTime(); t != nil {
				last = t.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s\t%s\tauthorized=%v\tlast_sync=%s\n",
				d.DeviceID, d.DisplayName, d.Authorized, last)
		}
		return nil
	},
}

var deviceKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 identity keypair for this device",
	Long:  "Generates an Ed25519 keypair, prints the public key, and stores the private key under DATA_DIR. With --passphrase the stored key is AES-256-GCM encrypted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		keypair, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}

		stored := keypair.PrivateBase64()
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if passphrase != "" {
			stored, err = crypto.Encrypt([]byte(stored), []byte(passphrase))
			if err != nil {
				return err
			}
		}

		path := filepath.Join(app.cfg.DataDir, "identity.key")
		if _, err := os.Stat(path); err == nil {
			return errors.Newf(errors.ErrDuplicate, "identity key already exists at %s", path)
		}
		if err := os.WriteFile(path, []byte(stored+"\n"), 0o600); err != nil {
			return err
		}

		fmt.Printf("public key: %s\nprivate key written to %s\n", keypair.PublicBase64(), path)
		return nil
	},
}

func init() {
	deviceRegisterCmd.Flags().String("public-key", "", "base64 Ed25519 public key of the device")
	deviceRegisterCmd.Flags().String("address", "", "network address the device is reachable at")
	deviceListCmd.Flags().Bool("all", false, "include unauthorized devices")
	deviceKeygenCmd.Flags().String("passphrase", "", "encrypt the stored private key")

	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceAuthorizeCmd)
	deviceCmd.AddCommand(deviceRevokeCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceKeygenCmd)
}
