package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListFunctions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"jsonrpc": "2.0",
			"id": 1,
			"result": {
				"tools": [
					{
						"name": "fetch_url",
						"description": "Fetch a URL and return its body",
						"inputSchema": {
							"properties": {
								"url": {"type": "string", "description": "The URL to fetch"},
								"timeout": {"type": "integer", "description": "Seconds to wait"}
							},
							"required": ["url"]
						}
					}
				]
			}
		}`))
	}))
	defer srv.Close()

	functions, err := NewClient().ListFunctions(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if len(functions) != 1 {
		t.Fatalf("got %d functions", len(functions))
	}
	fn := functions[0]
	if fn.Name != "fetch_url" {
		t.Errorf("name = %q", fn.Name)
	}
	if len(fn.Parameters) != 2 {
		t.Fatalf("got %d parameters", len(fn.Parameters))
	}
	// Sorted by name: timeout before url.
	if fn.Parameters[0].Name != "timeout" || fn.Parameters[1].Name != "url" {
		t.Errorf("parameter order not deterministic: %+v", fn.Parameters)
	}
	if !fn.Parameters[1].Required {
		t.Error("url should be required")
	}
	if fn.Parameters[0].Required {
		t.Error("timeout should be optional")
	}
}

func TestListFunctionsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	if _, err := NewClient().ListFunctions(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error from RPC error response")
	}
}

func TestListFunctionsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient().ListFunctions(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
