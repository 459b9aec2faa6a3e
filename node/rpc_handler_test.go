package node

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoMethod(ctx *RPCContext) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", Result: "pong", ID: ctx.Request.ID}
}

func postRPC(t *testing.T, h *RPCHandler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRPCHandlerDispatchesMethod(t *testing.T) {
	h := NewRPCHandler(DefaultRPCHandlerConfig())
	h.RegisterMethod("rollup_ping", echoMethod)

	rec := postRPC(t, h, `{"jsonrpc":"2.0","method":"rollup_ping","id":1}`, nil)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil || resp.Result != "pong" {
		t.Fatalf("resp = %+v", resp)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("id = %s, want 1", resp.ID)
	}
}

func TestRPCHandlerMethodNotFound(t *testing.T) {
	h := NewRPCHandler(DefaultRPCHandlerConfig())

	rec := postRPC(t, h, `{"jsonrpc":"2.0","method":"rollup_nope","id":2}`, nil)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("resp = %+v, want method-not-found", resp)
	}
}

func TestRPCHandlerRejectsWrongVersion(t *testing.T) {
	h := NewRPCHandler(DefaultRPCHandlerConfig())
	h.RegisterMethod("rollup_ping", echoMethod)

	rec := postRPC(t, h, `{"jsonrpc":"1.0","method":"rollup_ping","id":3}`, nil)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("resp = %+v, want invalid-request", resp)
	}
}

func TestRPCHandlerBatch(t *testing.T) {
	h := NewRPCHandler(DefaultRPCHandlerConfig())
	h.RegisterMethod("rollup_ping", echoMethod)

	rec := postRPC(t, h, `[
		{"jsonrpc":"2.0","method":"rollup_ping","id":1},
		{"jsonrpc":"2.0","method":"rollup_missing","id":2}
	]`, nil)

	var resps []RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatal(err)
	}
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	if resps[0].Result != "pong" {
		t.Fatalf("first = %+v, want pong", resps[0])
	}
	if resps[1].Error == nil || resps[1].Error.Code != codeMethodNotFound {
		t.Fatalf("second = %+v, want method-not-found", resps[1])
	}
}

func TestRPCHandlerBatchSizeLimit(t *testing.T) {
	cfg := DefaultRPCHandlerConfig()
	cfg.MaxBatchSize = 1
	h := NewRPCHandler(cfg)
	h.RegisterMethod("rollup_ping", echoMethod)

	rec := postRPC(t, h, `[{"jsonrpc":"2.0","method":"rollup_ping","id":1},{"jsonrpc":"2.0","method":"rollup_ping","id":2}]`, nil)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("resp = %+v, want batch rejection", resp)
	}
}

func TestRPCHandlerBearerAuth(t *testing.T) {
	cfg := DefaultRPCHandlerConfig()
	cfg.EnableAuth = true
	cfg.AuthToken = "sekrit"
	h := NewRPCHandler(cfg)
	h.RegisterMethod("rollup_ping", echoMethod)

	if rec := postRPC(t, h, `{"jsonrpc":"2.0","method":"rollup_ping","id":1}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	rec := postRPC(t, h, `{"jsonrpc":"2.0","method":"rollup_ping","id":1}`, map[string]string{"Authorization": "Bearer sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200", rec.Code)
	}
}

func TestRPCHandlerMiddlewareOrder(t *testing.T) {
	h := NewRPCHandler(DefaultRPCHandlerConfig())
	h.RegisterMethod("rollup_ping", echoMethod)

	var order []string
	h.Use(func(ctx *RPCContext, next RPCHandleFunc) *RPCResponse {
		order = append(order, "outer")
		return next(ctx)
	})
	h.Use(func(ctx *RPCContext, next RPCHandleFunc) *RPCResponse {
		order = append(order, "inner")
		return next(ctx)
	})

	postRPC(t, h, `{"jsonrpc":"2.0","method":"rollup_ping","id":1}`, nil)
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("middleware order = %v", order)
	}
}
