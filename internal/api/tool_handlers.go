package api

import (
	"encoding/json"
	"net/http"

	"github.com/ai-icarus/icarus/internal/identity"
)

// maxInvokeBodyBytes caps tool invocation and chat request bodies. Tool
// arguments are small JSON objects; anything near this limit is abuse.
const maxInvokeBodyBytes = 1 << 20

// InvokeRequest is the body of POST /api/tools/invoke.
type InvokeRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolsResponse wraps the tool catalog for GET /api/tools.
type ToolsResponse struct {
	Tools []toolSummary `json:"tools"`
}

type toolSummary struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"inputSchema"`
}

// handleListTools returns the tool catalog in registration order.
func (r *Router) handleListTools(w http.ResponseWriter, req *http.Request, _ identity.CallerIdentity) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	catalog := r.tools.ListTools()
	resp := ToolsResponse{Tools: make([]toolSummary, 0, len(catalog))}
	for _, tool := range catalog {
		resp.Tools = append(resp.Tools, toolSummary{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleInvokeTool runs one gateway invocation for the caller.
func (r *Router) handleInvokeTool(w http.ResponseWriter, req *http.Request, caller identity.CallerIdentity) {
	if req.Method != http.MethodPost {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxInvokeBodyBytes)

	var body InvokeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if body.Tool == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_request", "tool name is required", nil)
		return
	}

	result, err := r.tools.Invoke(req.Context(), caller, body.Tool, body.Arguments)
	if err != nil {
		writeGatewayError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
