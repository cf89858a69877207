package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/models"
)

// SnapshotFetcher serves resync snapshots; HTTPDispatcher implements it.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, key models.EntityKey) (models.Snapshot, error)
	List(ctx context.Context, entityType string) ([]models.EntityRecord, error)
}

type WebSocketSettings struct {
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BufferSize        int
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout:  5 * time.Second,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        256,
	}
}

// WebSocketChannel streams change events from the sync server and keeps the
// connection alive. Every successful (re)connect is reported as
// SignalConnected, every drop as SignalDisconnected.
type WebSocketChannel struct {
	url       string
	header    http.Header
	snapshots SnapshotFetcher
	settings  *WebSocketSettings
	dialer    *websocket.Dialer
	log       *logrus.Entry

	msgs      chan models.ChannelMessage
	startOnce sync.Once
}

func NewWebSocketChannel(wsURL, token string, snapshots SnapshotFetcher, settings *WebSocketSettings, log *logrus.Entry) *WebSocketChannel {
	if settings == nil {
		settings = DefaultWebSocketSettings()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketChannel{
		url:       wsURL,
		header:    header,
		snapshots: snapshots,
		settings:  settings,
		dialer:    &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		log:       log.WithField("component", "websocket_channel"),
		msgs:      make(chan models.ChannelMessage, settings.BufferSize),
	}
}

func (c *WebSocketChannel) Messages() <-chan models.ChannelMessage {
	return c.msgs
}

func (c *WebSocketChannel) Snapshot(ctx context.Context, key models.EntityKey) (models.Snapshot, error) {
	return c.snapshots.Snapshot(ctx, key)
}

func (c *WebSocketChannel) List(ctx context.Context, entityType string) ([]models.EntityRecord, error) {
	return c.snapshots.List(ctx, entityType)
}

// Start connects in the background and keeps reconnecting until ctx ends,
// then closes the message channel.
func (c *WebSocketChannel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

func (c *WebSocketChannel) run(ctx context.Context) {
	defer close(c.msgs)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.settings.ReconnectDelay
	retry.MaxInterval = c.settings.MaxReconnectDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	for ctx.Err() == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			wait := retry.NextBackOff()
			c.log.WithError(err).WithField("retry_in", wait).Warn("failed to connect to event stream")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		retry.Reset()

		c.log.Info("event stream connected")
		if !c.send(ctx, models.ChannelMessage{Signal: models.SignalConnected}) {
			conn.Close()
			return
		}

		err = c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warn("event stream dropped")
		if !c.send(ctx, models.ChannelMessage{Signal: models.SignalDisconnected}) {
			return
		}
		if !sleep(ctx, retry.NextBackOff()) {
			return
		}
	}
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)

	for {
		var ev models.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		if !c.send(ctx, models.ChannelMessage{Event: &ev}) {
			return ctx.Err()
		}
	}
}

func (c *WebSocketChannel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadJSON when the caller is shutting down.
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketChannel) send(ctx context.Context, msg models.ChannelMessage) bool {
	select {
	case c.msgs <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
