package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/ai-icarus/icarus/internal/cloud"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
)

const (
	// defaultTimespan bounds a KQL query window when the caller gives none.
	defaultTimespan = "P1D"

	// maxResultRows caps how many rows one query feeds back into an agent
	// conversation.
	maxResultRows = 500
)

// registerTools registers the read-only tool catalog.
func (g *Gateway) registerTools() {
	// discover_workspaces - Resource Graph workspace discovery
	g.registerDiscoveryTools()

	// execute_kql_query, get_table_schema - Log Analytics queries
	g.registerQueryTools()

	// validate_kql_syntax - local structural checks, no downstream scope
	g.registerValidationTools()
}

func (g *Gateway) registerDiscoveryTools() {
	g.registry.Register(RegisteredTool{
		Definition: Tool{
			Name: "discover_workspaces",
			Description: `Find Log Analytics workspaces the signed-in user can query. Start here when no workspace ID is known.

Returns each workspace's customer GUID (the workspace_id used by the query tools), name, resource group, subscription and region.

Examples:
- List every visible workspace: no arguments
- Narrow to one subscription: subscription_id="9d3e2c71-..."`,
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"subscription_id": {
						Type:        "string",
						Description: "Azure subscription GUID to limit the search to",
					},
				},
			},
		},
		Service:  cloud.ServiceResourceGraph,
		ReadOnly: true,
		Handler: func(ctx context.Context, inv *Invocation) (CallToolResult, error) {
			return executeDiscoverWorkspaces(ctx, inv)
		},
	})
}

func (g *Gateway) registerQueryTools() {
	g.registry.Register(RegisteredTool{
		Definition: Tool{
			Name: "execute_kql_query",
			Description: `Run a KQL query against a Log Analytics workspace.

Use discover_workspaces first to find the workspace_id (the customer GUID, not the ARM resource path). timespan bounds the query window as an ISO8601 duration and defaults to P1D (one day). Results are capped at 500 rows; aggregate or narrow the query for more.

Examples:
- Recent heartbeats: workspace_id="<guid>", kql_query="Heartbeat | take 10"
- Errors in the last hour: workspace_id="<guid>", kql_query="AppExceptions | where SeverityLevel >= 3", timespan="PT1H"`,
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"workspace_id": {
						Type:        "string",
						Description: "Log Analytics workspace GUID",
					},
					"kql_query": {
						Type:        "string",
						Description: "KQL query text",
					},
					"timespan": {
						Type:        "string",
						Description: "ISO8601 duration bounding the query window (default: P1D)",
						Default:     defaultTimespan,
					},
				},
				Required: []string{"workspace_id", "kql_query"},
			},
		},
		Service:  cloud.ServiceLogQuery,
		ReadOnly: true,
		Handler: func(ctx context.Context, inv *Invocation) (CallToolResult, error) {
			return executeKQLQuery(ctx, inv)
		},
		Validate: validateKQLArgument,
	})

	g.registry.Register(RegisteredTool{
		Definition: Tool{
			Name: "get_table_schema",
			Description: `Inspect the tables and columns of a Log Analytics workspace before writing queries.

Without table_name, lists every table in the workspace. With table_name, returns that table's columns and their types.`,
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"workspace_id": {
						Type:        "string",
						Description: "Log Analytics workspace GUID",
					},
					"table_name": {
						Type:        "string",
						Description: "Table to describe (for example Heartbeat or AzureActivity)",
					},
				},
				Required: []string{"workspace_id"},
			},
		},
		Service:  cloud.ServiceLogQuery,
		ReadOnly: true,
		Handler: func(ctx context.Context, inv *Invocation) (CallToolResult, error) {
			return executeGetTableSchema(ctx, inv)
		},
	})
}

func (g *Gateway) registerValidationTools() {
	g.registry.Register(RegisteredTool{
		Definition: Tool{
			Name: "validate_kql_syntax",
			Description: `Check KQL structure (balanced brackets, terminated strings, no trailing pipe) without running the query. No downstream call is made.

Returns {"valid": bool, "issues": [...]}. Useful before execute_kql_query when composing complex queries.`,
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"kql_query": {
						Type:        "string",
						Description: "KQL query text to check",
					},
				},
				Required: []string{"kql_query"},
			},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, inv *Invocation) (CallToolResult, error) {
			return executeValidateKQL(ctx, inv)
		},
	})
}

func executeDiscoverWorkspaces(ctx context.Context, inv *Invocation) (CallToolResult, error) {
	subscriptionID, _ := inv.Args["subscription_id"].(string)

	workspaces, err := inv.ResourceGraph.DiscoverWorkspaces(ctx, subscriptionID)
	if err != nil {
		return CallToolResult{}, err
	}

	return NewJSONResult(map[string]interface{}{
		"count":      len(workspaces),
		"workspaces": workspaces,
	}), nil
}

func executeKQLQuery(ctx context.Context, inv *Invocation) (CallToolResult, error) {
	workspaceID, _ := inv.Args["workspace_id"].(string)
	query, _ := inv.Args["kql_query"].(string)
	timespan, _ := inv.Args["timespan"].(string)
	if timespan == "" {
		timespan = defaultTimespan
	}

	result, err := inv.LogAnalytics.Query(ctx, workspaceID, query, timespan)
	if err != nil {
		return CallToolResult{}, err
	}

	rows := result.PrimaryRows()
	truncated := false
	if len(rows) > maxResultRows {
		rows = rows[:maxResultRows]
		truncated = true
	}

	payload := map[string]interface{}{
		"workspace_id": workspaceID,
		"timespan":     timespan,
		"row_count":    len(rows),
		"rows":         rows,
	}
	if truncated {
		payload["truncated"] = true
	}
	return NewJSONResult(payload), nil
}

func executeGetTableSchema(ctx context.Context, inv *Invocation) (CallToolResult, error) {
	workspaceID, _ := inv.Args["workspace_id"].(string)
	tableName, _ := inv.Args["table_name"].(string)

	schemas, err := inv.LogAnalytics.TableSchemas(ctx, workspaceID, tableName)
	if err != nil {
		return CallToolResult{}, err
	}

	return NewJSONResult(map[string]interface{}{
		"workspace_id": workspaceID,
		"count":        len(schemas),
		"tables":       schemas,
	}), nil
}

func executeValidateKQL(_ context.Context, inv *Invocation) (CallToolResult, error) {
	query, _ := inv.Args["kql_query"].(string)
	issues := lintKQL(query)

	return NewJSONResult(map[string]interface{}{
		"valid":  len(issues) == 0,
		"issues": issues,
	}), nil
}

// validateKQLArgument rejects structurally broken queries before the gateway
// spends an exchange on them.
func validateKQLArgument(args map[string]interface{}) error {
	query, _ := args["kql_query"].(string)
	if issues := lintKQL(query); len(issues) > 0 {
		return gwerrors.InvalidArgument("invoke_tool", errors.New(strings.Join(issues, "; ")))
	}
	return nil
}
