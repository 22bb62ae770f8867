package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	opQueryLogs     = "query_logs"
	opFetchMetadata = "fetch_table_metadata"
)

// LogAnalyticsClient runs KQL queries and reads table metadata for Log
// Analytics workspaces.
type LogAnalyticsClient struct {
	baseURL string
	client  *http.Client
}

// NewLogAnalyticsClient builds a client on an already-authenticated HTTP
// client.
func NewLogAnalyticsClient(baseURL string, client *http.Client) *LogAnalyticsClient {
	return &LogAnalyticsClient{baseURL: baseURL, client: client}
}

// Column describes one column of a result table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is one result table in columnar form, as the service returns it.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// QueryResult is the full response of one KQL query.
type QueryResult struct {
	Tables []Table `json:"tables"`
}

// PrimaryRows flattens the primary result table into maps keyed by column
// name, which is the shape tool results hand to the model.
func (r *QueryResult) PrimaryRows() []map[string]any {
	var primary *Table
	for i := range r.Tables {
		if r.Tables[i].Name == "PrimaryResult" {
			primary = &r.Tables[i]
			break
		}
	}
	if primary == nil && len(r.Tables) > 0 {
		primary = &r.Tables[0]
	}
	if primary == nil {
		return nil
	}

	rows := make([]map[string]any, 0, len(primary.Rows))
	for _, raw := range primary.Rows {
		row := make(map[string]any, len(primary.Columns))
		for i, col := range primary.Columns {
			if i < len(raw) {
				row[col.Name] = raw[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

type logQueryRequest struct {
	Query    string `json:"query"`
	Timespan string `json:"timespan,omitempty"`
}

// Query runs a KQL query against one workspace. timespan is an ISO 8601
// duration or interval; empty leaves the window to the service default.
func (c *LogAnalyticsClient) Query(ctx context.Context, workspaceID, query, timespan string) (*QueryResult, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, gwerrors.InvalidArgument(opQueryLogs, fmt.Errorf("workspace id is required"))
	}
	if strings.TrimSpace(query) == "" {
		return nil, gwerrors.InvalidArgument(opQueryLogs, fmt.Errorf("query is required"))
	}

	payload, err := json.Marshal(logQueryRequest{Query: query, Timespan: timespan})
	if err != nil {
		return nil, gwerrors.Internal(opQueryLogs, err)
	}

	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/query", c.baseURL, url.PathEscape(workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Internal(opQueryLogs, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, opQueryLogs)
	if err != nil {
		return nil, err
	}

	var result QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gwerrors.Internal(opQueryLogs,
			fmt.Errorf("malformed query response: %w", err))
	}

	log.Debug().
		Str("workspace", workspaceID).
		Int("tables", len(result.Tables)).
		Msg("KQL query completed")
	return &result, nil
}

// TableSchema describes one queryable table and its columns.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type metadataResponse struct {
	Tables []struct {
		Name    string `json:"name"`
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
	} `json:"tables"`
}

// TableSchemas reads the workspace metadata, optionally narrowed to one
// table. An empty result for a named table means the table does not exist in
// the workspace.
func (c *LogAnalyticsClient) TableSchemas(ctx context.Context, workspaceID, tableName string) ([]TableSchema, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, gwerrors.InvalidArgument(opFetchMetadata, fmt.Errorf("workspace id is required"))
	}

	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/metadata", c.baseURL, url.PathEscape(workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, gwerrors.Internal(opFetchMetadata, err)
	}

	body, err := c.do(req, opFetchMetadata)
	if err != nil {
		return nil, err
	}

	var meta metadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, gwerrors.Internal(opFetchMetadata,
			fmt.Errorf("malformed metadata response: %w", err))
	}

	schemas := make([]TableSchema, 0, len(meta.Tables))
	for _, table := range meta.Tables {
		if tableName != "" && !strings.EqualFold(table.Name, tableName) {
			continue
		}
		schema := TableSchema{Name: table.Name, Columns: make([]Column, 0, len(table.Columns))}
		for _, col := range table.Columns {
			schema.Columns = append(schema.Columns, Column{Name: col.Name, Type: col.Type})
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func (c *LogAnalyticsClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, gwerrors.UpstreamUnavailable(op,
			fmt.Errorf("log analytics unreachable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDataPlaneResponseBytes))
	if err != nil {
		return nil, gwerrors.UpstreamUnavailable(op,
			fmt.Errorf("reading log analytics response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(op, resp.StatusCode, body)
	}
	return body, nil
}
