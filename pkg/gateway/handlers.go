// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elizaOS/mcp-gateway/pkg/payment"
)

// authFromMeta extracts a payment riding in request Meta under the MCP
// x402 convention. The meta value is the payment payload object; it is
// re-encoded to the header form the mediator consumes.
func authFromMeta(meta mcp.Meta) payment.InboundAuth {
	var auth payment.InboundAuth
	if meta == nil {
		return auth
	}
	if v, ok := meta[PaymentMetaKey]; ok {
		if raw, err := json.Marshal(v); err == nil {
			auth.Payment = base64.StdEncoding.EncodeToString(raw)
		}
	}
	return auth
}

// challengeResult renders a payment challenge as a tool result: IsError
// with the requirements as structured content and as text, so both
// structured and text-only clients can react.
func challengeResult(pr *ErrPaymentRequired) *mcp.CallToolResult {
	raw, err := json.Marshal(pr.Requirements)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "payment required"}},
		}
	}
	var structured map[string]any
	_ = json.Unmarshal(raw, &structured)
	return &mcp.CallToolResult{
		IsError:           true,
		StructuredContent: structured,
		Content:           []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
}

func (g *Gateway) toolHandler(exposedName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := g.CallTool(ctx, exposedName, req.Params.Arguments, authFromMeta(req.Params.Meta))
		if err != nil {
			var pr *ErrPaymentRequired
			if errors.As(err, &pr) {
				return challengeResult(pr), nil
			}
			return nil, err
		}
		return res, nil
	}
}

func (g *Gateway) resourceHandler() mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return g.ReadResource(ctx, req.Params.URI, authFromMeta(req.Params.Meta))
	}
}

func (g *Gateway) promptHandler(exposedName string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return g.GetPrompt(ctx, exposedName, req.Params.Arguments, authFromMeta(req.Params.Meta))
	}
}
