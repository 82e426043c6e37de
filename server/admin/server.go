// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server through which
// operators, attesters and watchdogs drive the settlement core, plus a
// websocket feed of core events.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/server/core"
)

const (
	// rpcTimeoutSeconds is the number of seconds a connection to the server
	// is allowed to stay open without authenticating before it is closed.
	rpcTimeoutSeconds = 10

	// wsWriteWait bounds each websocket event write.
	wsWriteWait = 5 * time.Second
	// wsPingPeriod is the keepalive interval for event subscribers.
	wsPingPeriod = 30 * time.Second
)

// Server is a multi-client https server driving a *core.Core.
type Server struct {
	core      *core.Core
	log       bridge.Logger
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	authSHA   [32]byte
	wsUp      websocket.Upgrader
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Core            *core.Core
	Log             bridge.Logger
	Addr, Cert, Key string
	AuthSHA         [32]byte
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// NewServer is the constructor for a new Server.
func NewServer(cfg *SrvConfig) (*Server, error) {
	if !fileExists(cfg.Key) || !fileExists(cfg.Cert) {
		return nil, fmt.Errorf("missing certificates")
	}
	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}

	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	s := &Server{
		core:      cfg.Core,
		log:       cfg.Log,
		srv:       httpServer,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		authSHA:   cfg.AuthSHA,
	}

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(s.authMiddleware)

	mux.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Get("/ping", s.apiPing)
		r.Post("/custodian", s.apiRegisterCustodian)
		r.Get("/custodian/{id}", s.apiCustodian)
		r.Post("/custodian/{id}/status", s.apiSetStatus)
		r.Post("/attestation", s.apiSubmitAttestation)
		r.Post("/mint", s.apiMint)
		r.Post("/binding", s.apiRequestBinding)
		r.Post("/binding/{id}/finalize", s.apiFinalizeBinding)
		r.Post("/binding/{id}/finalize-signed", s.apiFinalizeBindingSigned)
		r.Post("/redemption", s.apiInitiateRedemption)
		r.Get("/redemption/{id}", s.apiRedemption)
		r.Post("/redemption/{id}/fulfill", s.apiFulfillRedemption)
		r.Post("/redemption/{id}/expire", s.apiExpireRedemption)
		r.Post("/proposal", s.apiPropose)
		r.Post("/proposal/{id}/vote", s.apiVote)
		r.Get("/proposal/{id}", s.apiProposal)
		r.Post("/difficulty", s.apiUpdateDifficulty)
	})
	mux.Get("/ws/events", s.wsEvents)

	return s, nil
}

// Run starts the server, blocking until the context is canceled.
func (s *Server) Run(ctx context.Context) {
	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		s.log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	s.log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); err != http.ErrServerClosed {
		s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}
	wg.Wait()
	s.log.Infof("admin server off")
}

// authMiddleware checks incoming requests for authentication. The basic-auth
// user names the acting party; role checks happen in the core.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			s.log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="bridge admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor extracts the acting party from the request's basic auth user.
func actor(r *http.Request) string {
	user, _, _ := r.BasicAuth()
	return user
}

// wsEvents upgrades the connection and relays core events until the client
// goes away.
func (s *Server) wsEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUp.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	events, cancel := s.core.SubscribeEvents()
	defer cancel()

	// Drain reads so control frames are processed.
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugf("websocket write error to %s: %v", r.RemoteAddr, err)
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
