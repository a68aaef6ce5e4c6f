// Package mcp discovers tool catalogs from Model Context Protocol servers.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	tesserav1alpha1 "github.com/tessera-ai/tessera/api/v1alpha1"
)

const (
	defaultTimeout = 10 * time.Second

	// maxResponseBytes caps how much of a discovery response gets read;
	// tool servers are untrusted input.
	maxResponseBytes = 1 << 20
)

// Client speaks just enough JSON-RPC to list a server's tools.
type Client struct {
	HTTPClient *http.Client
}

func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: defaultTimeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolSchema struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Example     string `json:"example"`
	} `json:"properties"`
	Required []string `json:"required"`
}

type toolEntry struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	InputSchema toolSchema `json:"inputSchema"`
}

type listToolsResponse struct {
	Result *struct {
		Tools []toolEntry `json:"tools"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// ListFunctions calls tools/list on the given endpoint and maps the reply
// into the catalog shape the synthesizer consumes. Parameters come back in
// name order so repeated discoveries of the same server produce identical
// catalogs.
func (c *Client) ListFunctions(ctx context.Context, endpoint string) ([]tesserav1alpha1.ToolFunction, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}

	var parsed listToolsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("tool server error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return nil, fmt.Errorf("tools/list response carried no result")
	}

	functions := make([]tesserav1alpha1.ToolFunction, 0, len(parsed.Result.Tools))
	for _, tool := range parsed.Result.Tools {
		required := make(map[string]bool, len(tool.InputSchema.Required))
		for _, name := range tool.InputSchema.Required {
			required[name] = true
		}

		names := make([]string, 0, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		params := make([]tesserav1alpha1.ToolParameter, 0, len(names))
		for _, name := range names {
			prop := tool.InputSchema.Properties[name]
			params = append(params, tesserav1alpha1.ToolParameter{
				Name:        name,
				Type:        prop.Type,
				Description: prop.Description,
				Required:    required[name],
				Example:     prop.Example,
			})
		}

		functions = append(functions, tesserav1alpha1.ToolFunction{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return functions, nil
}
