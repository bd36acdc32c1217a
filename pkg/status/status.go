// Package status serves the orchestrator's run state over HTTP, replacing a
// terminal dashboard with something a browser or curl can watch.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4/httpstats"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/orchestrator"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/utils"
)

type (
	// Source provides the run state served at /status.
	// *orchestrator.Tracker satisfies it.
	Source interface {
		Snapshot() orchestrator.Snapshot
	}

	Server struct {
		bindAddr string
		source   Source
		handler  http.Handler
	}
	Config struct {
		BindAddr string
		Source   Source

		// Metrics, when set, is mounted at /metrics.
		Metrics http.Handler
	}
)

func ServerFromConfig(config Config) (*Server, error) {
	if config.BindAddr == "" {
		return nil, errors.New("status server: BindAddr is required")
	}
	if config.Source == nil {
		return nil, errors.New("status server: Source is required")
	}
	server := &Server{
		bindAddr: config.BindAddr,
		source:   config.Source,
	}
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &utils.StatusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			events.Debug("%{method}s %{path}s -> %{code}d (%{bytes}d bytes)",
				r.Method, r.URL.Path, sw.Status, sw.Length)
		})
	})
	handleErr := func(fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := fn(w, r); err != nil {
				http.Error(w, err.Error(), errs.StatusCode(err))
			}
		}
	}
	router.HandleFunc("/status", handleErr(server.status)).Methods("GET")
	router.HandleFunc("/healthcheck", handleErr(server.healthcheck)).Methods("GET")
	router.HandleFunc("/ping", handleErr(server.ping)).Methods("GET")
	if config.Metrics != nil {
		router.Handle("/metrics", config.Metrics).Methods("GET")
	}
	server.handler = httpstats.NewHandler(router)
	return server, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.bindAddr,
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			events.Log("Status server shutdown error: %{error}+v", err)
		}
	}()
	events.Log("Status server listening on %{addr}s", s.bindAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "listen and serve")
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(s.source.Snapshot())
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) error {
	// for now the process being up is the whole story
	return s.healthcheck(w, r)
}
