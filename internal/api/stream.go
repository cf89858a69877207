package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/metrics"
	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/repositories"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 20 * time.Second
	streamReadTimeout  = 2 * streamPingInterval
	streamBuffer       = 256
)

// Broadcaster relays change events from the event bus to every connected
// websocket client. A client that cannot keep up is disconnected; it resyncs
// from snapshots when it reconnects.
type Broadcaster struct {
	bus repositories.EventBus
	log *logrus.Entry

	done chan error

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	id   string
	send chan *models.ChangeEvent
}

func NewBroadcaster(bus repositories.EventBus, log *logrus.Entry) *Broadcaster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broadcaster{
		bus:     bus,
		log:     log.WithField("component", "broadcaster"),
		clients: make(map[*streamClient]struct{}),
	}
}

// Start subscribes to the event bus and relays events in the background
// until ctx is done. Events published after Start returns are delivered.
func (b *Broadcaster) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	b.done = make(chan error, 1)
	go func() {
		b.done <- b.relay(ctx, sub)
	}()
	return nil
}

// Run is Start followed by waiting for the relay to end.
func (b *Broadcaster) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	return <-b.done
}

func (b *Broadcaster) relay(ctx context.Context, sub *repositories.Subscription) error {
	defer sub.Close()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("event bus subscription closed")
			}
			b.fanout(ev)
		}
	}
}

func (b *Broadcaster) fanout(ev *models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			b.log.WithField("client_id", c.id).Warn("dropping slow stream client")
			b.removeLocked(c)
		}
	}
}

func (b *Broadcaster) add(id string) *streamClient {
	c := &streamClient{id: id, send: make(chan *models.ChangeEvent, streamBuffer)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	metrics.StreamClients.Inc()
	return c
}

func (b *Broadcaster) remove(c *streamClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c)
}

func (b *Broadcaster) removeLocked(c *streamClient) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
	metrics.StreamClients.Dec()
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.removeLocked(c)
	}
}

// Clients returns the number of attached stream clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade")
		return
	}
	defer conn.Close()

	presence := &models.Presence{ClientID: uuid.NewString(), ConnectedAt: time.Now()}
	if claims := claimsFrom(r.Context()); claims != nil {
		presence.Subject = claims.Subject
		if claims.ClientID != "" {
			presence.ClientID = claims.ClientID
		}
	}
	log := s.log.WithField("client_id", presence.ClientID)

	ctx := context.WithoutCancel(r.Context())
	s.touch(ctx, presence, log)
	defer func() {
		if err := s.presence.DeletePresence(ctx, presence.ClientID); err != nil {
			log.WithError(err).Warn("failed to clear presence")
		}
	}()

	client := s.stream.add(presence.ClientID)
	defer s.stream.remove(client)

	// The reader only serves control frames; it ends when the client leaves.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	log.Info("stream client attached")
	for {
		select {
		case <-closed:
			log.Info("stream client left")
			return
		case ev, ok := <-client.send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("failed to write event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
			s.touch(ctx, presence, log)
		}
	}
}

func (s *Server) touch(ctx context.Context, presence *models.Presence, log *logrus.Entry) {
	if err := s.presence.SetPresence(ctx, presence); err != nil {
		log.WithError(err).Warn("failed to record presence")
	}
}
