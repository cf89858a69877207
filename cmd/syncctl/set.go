package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/subscription"
)

var showTentative bool

var setCmd = &cobra.Command{
	Use:   "set <type> <id> <field=value>...",
	Short: "Apply an optimistic edit and wait for the server's answer",
	Long: `set applies the edit to the local view at once, sends it to the server and
waits until it is committed, rejected or left unconfirmed. With --show-tentative
every view change along the way is printed.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		patch, err := parsePatch(args[2:])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		c := newClient(cfg)
		defer c.close(ctx)

		key := models.NewEntityKey(args[0], args[1])
		if _, err := c.load(ctx, key); err != nil {
			return fmt.Errorf("failed to load %s: %w", key, err)
		}

		if showTentative {
			unsubscribe := c.sess.Subscribe(key, func(v subscription.View) {
				printJSON(v)
			})
			defer unsubscribe()
		}

		h, err := c.coord.Submit(key, patch)
		if err != nil {
			return err
		}
		res, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Err != nil {
			return res.Err
		}
		return printJSON(c.sess.View(key))
	},
}

func init() {
	setCmd.Flags().BoolVar(&showTentative, "show-tentative", false, "Print every view change while the edit is pending")
	rootCmd.AddCommand(setCmd)
}
