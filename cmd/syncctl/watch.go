package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/subscription"
)

var watchCmd = &cobra.Command{
	Use:   "watch <type> [id]",
	Short: "Stream the view of one entity, or of every entity of a type",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := newClient(cfg)
		defer c.close(context.Background())

		var unsubscribe subscription.Unsubscribe
		if len(args) == 2 {
			key := models.NewEntityKey(args[0], args[1])
			if _, err := c.load(ctx, key); err != nil {
				return err
			}
			unsubscribe = c.sess.Subscribe(key, func(v subscription.View) {
				printJSON(v)
			})
		} else {
			if err := c.loadType(ctx, args[0]); err != nil {
				return err
			}
			unsubscribe = c.sess.SubscribeQuery(args[0], nil, func(views []subscription.View) {
				printJSON(views)
			})
		}
		defer unsubscribe()

		err = <-c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
