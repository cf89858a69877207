package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/repositories"
	"github.com/prudhvinik1/optisync/internal/services"
)

// Server holds the dependencies of the HTTP and websocket handlers.
type Server struct {
	mutations *services.MutationService
	tokens    *services.TokenService
	presence  repositories.PresenceRepository
	stream    *Broadcaster
	log       *logrus.Entry
}

func NewServer(
	mutations *services.MutationService,
	tokens *services.TokenService,
	presence repositories.PresenceRepository,
	stream *Broadcaster,
	log *logrus.Entry,
) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		mutations: mutations,
		tokens:    tokens,
		presence:  presence,
		stream:    stream,
		log:       log.WithField("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/mutations", s.applyMutation)
		r.Get("/entities/{type}", s.listEntities)
		r.Get("/entities/{type}/{id}", s.getEntity)
		r.Get("/changes", s.listChanges)
		r.Get("/clients", s.listClients)
		r.Get("/events", s.streamEvents)
	})

	return r
}
