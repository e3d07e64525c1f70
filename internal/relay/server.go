// ABOUTME: Relay HTTP server: the shared WebSocket endpoint and lifecycle.
// ABOUTME: Handles listener setup (TCP or tsnet), auth deadlines, and shutdown.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"tailscale.com/tsnet"

	"github.com/tidewater-labs/crosswire/internal/auth"
	"github.com/tidewater-labs/crosswire/internal/config"
	"github.com/tidewater-labs/crosswire/internal/protocol"
	"github.com/tidewater-labs/crosswire/internal/registry"
	"github.com/tidewater-labs/crosswire/internal/session"
	"github.com/tidewater-labs/crosswire/internal/store"
)

const readLimitBytes = 512 * 1024

// Server owns the relay's listeners and the shared /ws endpoint where
// both clients and agents connect, told apart by the type query param.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	sessions   *session.Manager
	store      store.Store
	router     *Router
	httpServer *http.Server
	tsnetSrv   *tsnet.Server
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	reg := registry.New(logger)
	sessions := session.NewManager(logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	s := &Server{
		cfg:      cfg,
		reg:      reg,
		sessions: sessions,
		store:    st,
		router:   NewRouter(reg, sessions, st, verifier, logger),
		logger:   logger.With("component", "relay"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	clients, agents := s.reg.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ready",
		"clients": clients,
		"agents":  agents,
	})
}

// handleWebSocket accepts a connection of either role and runs its read
// loop until the socket dies or the peer misbehaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := Role(r.URL.Query().Get("type"))
	if role == "" {
		role = RoleClient
	}
	if role != RoleClient && role != RoleAgent {
		http.Error(w, "unknown connection type", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(readLimitBytes)

	conn := newConn(ws, s.cfg.Liveness.WriteTimeout, s.logger)
	defer conn.Close(websocket.StatusNormalClosure, "")

	st := &connState{role: role}

	// Connections that never authenticate are cut loose with a close
	// code operators can tell apart from a credential rejection.
	authTimer := time.AfterFunc(s.cfg.Liveness.AuthTimeout, func() {
		s.logger.Info("closing unauthenticated connection", "role", role)
		_ = conn.Close(websocket.StatusCode(protocol.CloseAuthTimeout), "authentication timeout")
	})
	st.onAuth = func() { authTimer.Stop() }
	defer authTimer.Stop()

	pingCtx, cancelPing := context.WithCancel(r.Context())
	defer cancelPing()
	go s.pingLoop(pingCtx, ws)

	s.readLoop(r.Context(), conn, st)
	s.onDisconnect(st, conn)
}

// pingLoop probes the peer at the configured interval so dead TCP
// paths are noticed without waiting for the next write.
func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn) {
	interval := s.cfg.Liveness.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.Liveness.WriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed, dropping connection", "error", err)
				_ = ws.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *Conn, st *connState) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			s.logger.Debug("read loop ended", "role", st.role, "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			_ = conn.Send(ctx, protocol.New(protocol.ServerError, protocol.ErrorPayload{
				Code:    protocol.CodeInvalidInput,
				Message: "malformed envelope",
			}))
			continue
		}

		if err := s.router.Handle(ctx, conn, st, &env); err != nil {
			var ce *closeError
			if errors.As(err, &ce) {
				_ = conn.Close(websocket.StatusCode(ce.code), ce.reason)
			}
			return
		}
	}
}

// onDisconnect clears registry state and, for agents, flips presence
// and tells the owner's clients.
func (s *Server) onDisconnect(st *connState, conn *Conn) {
	agentID, userID, wasAgent := s.reg.Unregister(conn)
	if !wasAgent {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A superseded socket unregisters without owning the ID anymore;
	// in that case the agent is still online through its replacement.
	if s.reg.IsAgentOnline(agentID) {
		return
	}

	if err := s.store.SetAgentOnline(ctx, agentID, false); err != nil {
		s.logger.Warn("marking agent offline", "agent_id", agentID, "error", err)
	}
	s.logger.Info("agent disconnected", "agent_id", agentID)
	s.reg.SendToUser(ctx, userID, protocol.New(protocol.ServerAgentStatus, protocol.AgentStatusPayload{
		AgentID:  agentID,
		IsOnline: false,
	}))
}

// --- lifecycle ---

// Run starts the relay and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases the tsnet node if one
// was started.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetSrv != nil {
		if err := s.tsnetSrv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Server.ListenAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "crosswire-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens there instead of
// on a local TCP address.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetSrv = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		AuthKey:   authKey,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
	}

	status, err := s.tsnetSrv.Up(ctx)
	if err != nil {
		_ = s.tsnetSrv.Close()
		return nil, fmt.Errorf("joining tailnet: %w", err)
	}
	s.logger.Info("joined tailnet", "hostname", tsCfg.Hostname, "ips", status.TailscaleIPs)

	ln, err := s.tsnetSrv.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetSrv.Close()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}
	return ln, nil
}
