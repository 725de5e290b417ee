// Package statusapi is the read-only JSON status surface named in spec §1 as
// an external collaborator and left unspecified beyond that (spec §9 gives
// no schema for it). It never participates in control flow: it only renders
// snapshots the controllers already expose for their own internal use, and
// is wired as an optional companion process gated by STATUS_API_PORT rather
// than a required core dependency. Routing follows
// client/webserver/webserver.go's chi-router shape, generalized from a full
// trading UI's page/API/websocket surface down to four read-only routes.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xcpfolio/fulfillment-agent/dex"
)

// rpcTimeoutSeconds bounds how long a single status request may take,
// matching client/webserver/webserver.go's own request timeout constant.
const rpcTimeoutSeconds = 10

// defaultHistoryLimit is how many history entries /status/history returns
// when the caller does not supply its own ?limit=.
const defaultHistoryLimit = 20

// Server is the status HTTP surface.
type Server struct {
	srv         *http.Server
	addr        string
	log         dex.Logger
	fulfillment FulfillmentStatus
	maintenance MaintenanceStatus
	history     HistoryReader
}

// New constructs a Server listening on addr (e.g. ":8080"). history may be
// nil, in which case /status/history reports an empty list.
func New(addr string, fc FulfillmentStatus, mc MaintenanceStatus, history HistoryReader, log dex.Logger) *Server {
	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
	}

	s := &Server{
		srv:         httpServer,
		addr:        addr,
		log:         log,
		fulfillment: fc,
		maintenance: mc,
		history:     history,
	}

	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/status/fulfillment", s.handleFulfillmentStatus)
	mux.Get("/status/maintenance", s.handleMaintenanceStatus)
	mux.Get("/status/history", s.handleHistory)

	return s
}

// Run starts the status server and blocks until ctx is canceled, then shuts
// it down gracefully.
func (s *Server) Run(ctx context.Context) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Errorf("can't listen on %s, status server quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Errorf("problem shutting down status server: %v", err)
		}
	}()

	s.log.Infof("status server listening on http://%s", s.addr)
	err = s.srv.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}
	s.log.Infof("status server off")

	wg.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleFulfillmentStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.fulfillment.GetState())
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.maintenance.GetStatus(r.Context()))
}

// handleHistory serves the most recent published transfer/open-order
// entries, newest first. ?limit= overrides defaultHistoryLimit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, []struct{}{})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Errorf("error reading order history: %v", err)
		http.Error(w, "error reading order history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, entries)
}

// writeJSON marshals thing and writes it with a 200 status, matching
// client/webserver/webserver.go's writeJSON helper.
func (s *Server) writeJSON(w http.ResponseWriter, thing any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(thing); err != nil {
		s.log.Errorf("JSON encode error: %v", err)
	}
}
