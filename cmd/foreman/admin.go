package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/seed"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load prototypes, actions, objects and mapping from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := seed.LoadFile(cmd.Context(), a.store, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d prototypes, %d actions, %d objects, mapping of %d clusters\n",
			sum.Prototypes, sum.Actions, sum.Objects, sum.Clusters)
		return nil
	},
}

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "Raise or clear non-blocking flags on an object hierarchy",
}

var flagRaiseCmd = &cobra.Command{
	Use:   "raise OBJECT",
	Short: "Raise a flag rooted at OBJECT (type/id)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := types.ParseObjectRef(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var c *types.Concern
		err = a.store.Update(cmd.Context(), func(tx storage.Tx) error {
			c, err = concern.RaiseFlag(tx, owner, reason)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("Flag %d on %s: %s\n", c.ID, owner, c.Reason)
		return nil
	},
}

var flagClearCmd = &cobra.Command{
	Use:   "clear OBJECT",
	Short: "Clear flags rooted at OBJECT (type/id); all of them without --reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := types.ParseObjectRef(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var n int
		err = a.store.Update(cmd.Context(), func(tx storage.Tx) error {
			n, err = concern.ClearFlag(tx, owner, reason)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d flags on %s\n", n, owner)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage password values",
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt VALUE",
	Short: "Encrypt a value for a password config parameter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		enc, err := a.secrets.EncryptString(args[0])
		if err != nil {
			return err
		}
		fmt.Println(enc)
		return nil
	},
}

func init() {
	flagCmd.AddCommand(flagRaiseCmd)
	flagCmd.AddCommand(flagClearCmd)
	flagRaiseCmd.Flags().String("reason", "flag raised", "Flag reason")
	flagClearCmd.Flags().String("reason", "", "Only clear flags with this reason")

	secretCmd.AddCommand(secretEncryptCmd)
}
