// Package rpc is the request dispatcher: a JSON-RPC 2.0 server exposing
// the vault daemon's RPC-initiated operations (stakeholder signature
// submission, manager Spend construction and broadcast, revault) per the
// teacher's internal/rpc server shape, generalized from a P2P swap
// daemon's trade/swap/wallet methods to a single-process custody core's
// vault methods.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/revault-labs/vaultd/internal/bitcoind"
	"github.com/revault-labs/vaultd/internal/config"
	"github.com/revault-labs/vaultd/internal/coordinator"
	"github.com/revault-labs/vaultd/internal/store"
	"github.com/revault-labs/vaultd/internal/vault"
	"github.com/revault-labs/vaultd/pkg/helpers"
	"github.com/revault-labs/vaultd/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Config wires a Server to its collaborators at construction time.
type Config struct {
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Node        bitcoind.Client
	Config      *config.Config
	Broadcaster PeerBroadcaster
	Cosigner    CosigningClient
	Version     string
	// Shutdown is invoked exactly once by the stop RPC method; it should
	// trigger the daemon's graceful shutdown (e.g. cancel the root
	// context cmd/vaultd threads through the poller and this server).
	Shutdown func()
	Logger   *logging.Logger
}

// Server is the request dispatcher described above.
type Server struct {
	store       *store.Store
	coord       *coordinator.Coordinator
	node        bitcoind.Client
	cfg         *config.Config
	broadcaster PeerBroadcaster
	cosigner    CosigningClient
	version     string
	shutdown    func()
	shutdownOne sync.Once

	ownPubkey []byte

	log   *logging.Logger
	wsHub *WSHub

	httpServer *http.Server
	listener   net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer constructs a Server and registers every JSON-RPC handler.
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	cosigner := cfg.Cosigner
	if cosigner == nil {
		cosigner = noopCosigner{}
	}
	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = func() {}
	}

	var ownPubkey []byte
	if cfg.Config != nil && cfg.Config.OwnPubkey != "" {
		pk, err := helpers.HexToBytes(cfg.Config.OwnPubkey)
		if err != nil {
			return nil, fmt.Errorf("parsing own_pubkey: %w", err)
		}
		ownPubkey = pk
	}

	s := &Server{
		store:       cfg.Store,
		coord:       cfg.Coordinator,
		node:        cfg.Node,
		cfg:         cfg.Config,
		broadcaster: broadcaster,
		cosigner:    cosigner,
		version:     cfg.Version,
		shutdown:    shutdown,
		ownPubkey:   ownPubkey,
		log:         log.Component("rpc"),
		wsHub:       NewWSHub(log),
		handlers:    make(map[string]Handler),
	}
	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.handlers["stop"] = s.handleStop
	s.handlers["getinfo"] = s.handleGetInfo
	s.handlers["listvaults"] = s.handleListVaults
	s.handlers["getdepositaddress"] = s.handleGetDepositAddress
	s.handlers["getrevocationtxs"] = s.handleGetRevocationTxs
	s.handlers["revocationtxs"] = s.handleRevocationTxs
	s.handlers["getunvaulttx"] = s.handleGetUnvaultTx
	s.handlers["unvaulttx"] = s.handleUnvaultTx
	s.handlers["listpresignedtransactions"] = s.handleListPresignedTransactions
	s.handlers["listonchaintransactions"] = s.handleListOnchainTransactions
	s.handlers["getspendtx"] = s.handleGetSpendTx
	s.handlers["updatespendtx"] = s.handleUpdateSpendTx
	s.handlers["delspendtx"] = s.handleDelSpendTx
	s.handlers["listspendtxs"] = s.handleListSpendTxs
	s.handlers["setspendtx"] = s.handleSetSpendTx
	s.handlers["revault"] = s.handleRevault
}

// Start binds addr and begins serving JSON-RPC over HTTP and the
// websocket event feed, returning once the listener is up.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "error", err)
		}
	}()

	s.log.Info("rpc server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server. Idempotent: a second call
// after the listener is already closed is a no-op.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request")
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found: "+req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, classify(err), err.Error())
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns vault.ErrWrongRole, worded per the caller-facing
// role-gate text, if the daemon's configured role doesn't match want.
func (s *Server) requireRole(want vault.Role) error {
	if s.coord.Role() != want {
		return fmt.Errorf("%w: this is a %s command", vault.ErrWrongRole, want)
	}
	return nil
}
