package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pulsemarket/observability"
	"pulsemarket/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

const defaultTradesPerWindow = 30

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// ServerConfig carries the transport knobs for the JSON-RPC server.
type ServerConfig struct {
	// AuthToken guards mutating methods. When empty those methods are
	// rejected outright.
	AuthToken string
	// TradesPerMinute bounds market_buy calls per client source.
	TradesPerMinute int
}

// Server terminates the JSON-RPC trading API and the websocket event stream.
type Server struct {
	market *modules.MarketModule
	hub    *Hub

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	tradesPerWin int
	nowFn        func() time.Time
}

// NewServer constructs the server. A nil hub disables the event stream.
func NewServer(market *modules.MarketModule, hub *Hub, cfg ServerConfig) *Server {
	limit := cfg.TradesPerMinute
	if limit <= 0 {
		limit = defaultTradesPerWindow
	}
	return &Server{
		market:       market,
		hub:          hub,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		tradesPerWin: limit,
		nowFn:        time.Now,
	}
}

// SetNowFunc overrides the rate-limit clock.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

func (s *Server) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeModuleResult(w http.ResponseWriter, id interface{}, result interface{}, modErr *modules.ModuleError) {
	if modErr != nil {
		writeError(w, modErr.HTTPStatus, id, modErr.Code, modErr.Message, modErr.Data)
		return
	}
	writeResult(w, id, result)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP routes the websocket endpoint and the JSON-RPC POST surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws/events" {
		if s.hub == nil {
			http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
			return
		}
		s.hub.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.dispatch(rec, r)
	observability.RPC().Observe("market", method, rec.status, time.Since(start))
}

// dispatch parses the request envelope and routes to the module handlers. It
// returns the method label used for metrics; unparseable requests count
// under "invalid" so label cardinality stays bounded.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return "invalid"
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return "invalid"
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return "invalid"
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return "invalid"
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return "invalid"
	}

	switch req.Method {
	case "market_buy":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		source := clientSource(r)
		if !s.allowSource(source, s.now()) {
			observability.RPC().RecordThrottle("market", "trade_rate")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "trade rate limit exceeded", source)
			return req.Method
		}
		result, modErr := s.market.Buy(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_settle":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		result, modErr := s.market.Settle(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_claim":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return req.Method
		}
		result, modErr := s.market.Claim(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_get":
		result, modErr := s.market.Get(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_list":
		result, modErr := s.market.List(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_price":
		result, modErr := s.market.Price(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_position":
		result, modErr := s.market.Position(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	case "market_payout":
		result, modErr := s.market.Payout(firstParam(req))
		writeModuleResult(w, req.ID, result, modErr)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return "unknown"
	}
	return req.Method
}

func firstParam(req *RPCRequest) json.RawMessage {
	if len(req.Params) == 0 {
		return nil
	}
	return req.Params[0]
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= s.tradesPerWin {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
