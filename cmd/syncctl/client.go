package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/config"
	"github.com/prudhvinik1/optisync/internal/coordinator"
	"github.com/prudhvinik1/optisync/internal/ingest"
	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/session"
	"github.com/prudhvinik1/optisync/internal/transport"
)

// client is one sync session: local state, the mutation coordinator and the
// realtime feed, all against a single server.
type client struct {
	sess       *session.Session
	coord      *coordinator.Coordinator
	dispatcher *transport.HTTPDispatcher
	channel    *transport.WebSocketChannel
	ingest     *ingest.Ingest
	log        *logrus.Entry
}

func newClient(cfg *config.ClientConfig) *client {
	log := logrus.WithField("service", "syncctl")

	dispatcher := transport.NewHTTPDispatcher(cfg.ServerURL, cfg.Token, &http.Client{})
	sess := session.New()

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Retry = coordinator.RetryPolicy{
		MaxRetries:      cfg.RetryMax,
		InitialBackoff:  cfg.RetryInitialBackoff,
		MaxBackoff:      cfg.RetryMaxBackoff,
		Multiplier:      cfg.RetryMultiplier,
		Jitter:          coordinator.DefaultRetryPolicy().Jitter,
		DispatchTimeout: cfg.DispatchTimeout,
	}
	coordCfg.DispatchDelay = cfg.DispatchDelay
	coordCfg.Log = log

	settings := transport.DefaultWebSocketSettings()
	settings.ReconnectDelay = cfg.ReconnectDelay
	channel := transport.NewWebSocketChannel(cfg.WebSocketURL, cfg.Token, dispatcher, settings, log)

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Log = log

	return &client{
		sess:       sess,
		coord:      coordinator.New(sess, dispatcher, coordCfg),
		dispatcher: dispatcher,
		channel:    channel,
		ingest:     ingest.New(sess, channel, ingestCfg),
		log:        log,
	}
}

// stream connects the realtime feed and applies it until ctx ends.
func (c *client) stream(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	c.channel.Start(ctx)
	go func() {
		done <- c.ingest.Run(ctx)
	}()
	return done
}

// load fetches the server state of key into the local store so edits are
// based on the latest confirmed version.
func (c *client) load(ctx context.Context, key models.EntityKey) (models.Snapshot, error) {
	snap, err := c.dispatcher.Snapshot(ctx, key)
	if err != nil {
		return snap, err
	}
	if snap.Found {
		c.ingest.Apply(models.ChangeEvent{Key: key, Version: snap.Version, Data: snap.Data})
	}
	return snap, nil
}

// loadType fetches every entity of entityType into the local store.
func (c *client) loadType(ctx context.Context, entityType string) error {
	records, err := c.dispatcher.List(ctx, entityType)
	if err != nil {
		return err
	}
	for _, rec := range records {
		c.ingest.Apply(models.ChangeEvent{Key: rec.Key, Version: rec.Version, Data: rec.Data})
	}
	return nil
}

func (c *client) close(ctx context.Context) {
	if err := c.coord.Close(ctx); err != nil {
		c.log.WithError(err).Warn("mutations still in flight at exit")
	}
	c.sess.Close()
}
