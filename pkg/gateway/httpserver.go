// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/payment"
	"github.com/elizaOS/mcp-gateway/pkg/upstream"
)

// JSON-RPC error codes used by the HTTP wrapper.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// HTTPServer is the optional HTTP binding: a JSON-RPC endpoint that speaks
// HTTP-native payment (402 challenges, X-PAYMENT headers) plus the
// streaming MCP endpoints and a small admin surface.
type HTTPServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

// NewHTTPServer builds the binding around a gateway.
func NewHTTPServer(g *Gateway, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{gateway: g, logger: logger}
}

// Handler returns the route table.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.Handle("GET /sse", mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.gateway.Server() }, nil))
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.gateway.Server() }, nil))
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode JSON-RPC request", "error", err)
		writeRPC(w, http.StatusBadRequest, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}

	auth := payment.AuthFromHeaders(r.Header)
	result, err := s.dispatch(r, req, auth)
	if err == nil {
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
		return
	}

	var pr *ErrPaymentRequired
	switch {
	case errors.As(err, &pr):
		s.writeChallenge(w, pr)
	case errors.Is(err, ErrNotFound):
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: err.Error()}})
	case errors.Is(err, errInvalidParams):
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: err.Error()}})
	default:
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInternalError, Message: err.Error()}})
	}
}

var errInvalidParams = errors.New("invalid params")

func (s *HTTPServer) dispatch(r *http.Request, req rpcRequest, auth payment.InboundAuth) (any, error) {
	ctx := r.Context()
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{}, "resources": map[string]any{}, "prompts": map[string]any{},
			},
		}, nil
	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		tools := make([]*mcp.Tool, 0)
		for _, e := range s.gateway.registry.Tools() {
			t := *e.Tool
			t.Name = e.ExposedName
			if t.Description == "" {
				t.Description = defaultDescription("tool", e.UpstreamID, e.Namespace)
			}
			tools = append(tools, &t)
		}
		return map[string]any{"tools": tools}, nil

	case "resources/list":
		resources := make([]*mcp.Resource, 0)
		for _, e := range s.gateway.registry.Resources() {
			res := *e.Resource
			res.URI = e.ExposedURI
			if res.Description == "" {
				res.Description = defaultDescription("resource", e.UpstreamID, e.Namespace)
			}
			resources = append(resources, &res)
		}
		return map[string]any{"resources": resources}, nil

	case "prompts/list":
		prompts := make([]*mcp.Prompt, 0)
		for _, e := range s.gateway.registry.Prompts() {
			p := *e.Prompt
			p.Name = e.ExposedName
			if p.Description == "" {
				p.Description = defaultDescription("prompt", e.UpstreamID, e.Namespace)
			}
			prompts = append(prompts, &p)
		}
		return map[string]any{"prompts": prompts}, nil

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, fmt.Errorf("%w: tools/call requires a name", errInvalidParams)
		}
		return s.gateway.CallTool(ctx, params.Name, params.Arguments, auth)

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
			return nil, fmt.Errorf("%w: resources/read requires a uri", errInvalidParams)
		}
		return s.gateway.ReadResource(ctx, params.URI, auth)

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, fmt.Errorf("%w: prompts/get requires a name", errInvalidParams)
		}
		return s.gateway.GetPrompt(ctx, params.Name, params.Arguments, auth)
	}

	return nil, fmt.Errorf("method %q: %w", req.Method, ErrNotFound)
}

// writeChallenge renders HTTP 402 with both the X-Accept-Payment header
// and the requirements as the body, for maximum client compatibility.
func (s *HTTPServer) writeChallenge(w http.ResponseWriter, pr *ErrPaymentRequired) {
	if encoded, err := payment.EncodeRequirements(pr.Requirements); err == nil {
		w.Header().Set(payment.HeaderAcceptPayment, encoded)
	}
	writeJSON(w, http.StatusPaymentRequired, pr.Requirements)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.gateway.RefreshRegistry(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": s.gateway.registry.GetStats()})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Stats())
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	states := s.gateway.manager.Stats()
	connected := 0
	for _, st := range states {
		if st == string(upstream.StateConnected) {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": connected,
		"total":     len(states),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPC(w http.ResponseWriter, status int, resp rpcResponse) {
	writeJSON(w, status, resp)
}
