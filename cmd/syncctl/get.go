package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/optisync/internal/models"
)

var getCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Print the server's current state of an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c := newClient(cfg)
		defer c.close(cmd.Context())

		key := models.NewEntityKey(args[0], args[1])
		snap, err := c.load(cmd.Context(), key)
		if err != nil {
			return err
		}
		if !snap.Found {
			return fmt.Errorf("%s not found", key)
		}
		return printJSON(c.sess.View(key))
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
