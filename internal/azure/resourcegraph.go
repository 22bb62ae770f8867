package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	resourceGraphAPIVersion = "2022-10-01"
	resourceGraphPageSize   = 1000

	opQueryResourceGraph = "query_resource_graph"

	maxDataPlaneResponseBytes = 32 << 20
)

// workspaceDiscoveryQuery lists the Log Analytics workspaces visible to the
// caller's identity. Resource Graph applies the caller's RBAC, so the result
// is exactly what they are allowed to see.
const workspaceDiscoveryQuery = `resources
| where type =~ "microsoft.operationalinsights/workspaces"
| project id, name, resourceGroup, subscriptionId, location, customerId = tostring(properties.customerId)
| order by name asc`

// ResourceGraphClient queries Azure Resource Graph.
type ResourceGraphClient struct {
	baseURL string
	client  *http.Client
}

// NewResourceGraphClient builds a client on an already-authenticated HTTP
// client.
func NewResourceGraphClient(baseURL string, client *http.Client) *ResourceGraphClient {
	return &ResourceGraphClient{baseURL: baseURL, client: client}
}

// Workspace is one discoverable Log Analytics workspace. CustomerID is the
// workspace GUID used by the query API.
type Workspace struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ResourceGroup  string `json:"resourceGroup"`
	SubscriptionID string `json:"subscriptionId"`
	Location       string `json:"location"`
	CustomerID     string `json:"customerId"`
}

type resourceGraphRequest struct {
	Query         string                `json:"query"`
	Subscriptions []string              `json:"subscriptions,omitempty"`
	Options       *resourceGraphOptions `json:"options,omitempty"`
}

type resourceGraphOptions struct {
	ResultFormat string `json:"resultFormat,omitempty"`
	Top          int    `json:"$top,omitempty"`
}

type resourceGraphResponse struct {
	TotalRecords int64           `json:"totalRecords"`
	Count        int64           `json:"count"`
	Data         json.RawMessage `json:"data"`
}

// DiscoverWorkspaces returns the workspaces the caller can see, optionally
// narrowed to one subscription.
func (c *ResourceGraphClient) DiscoverWorkspaces(ctx context.Context, subscriptionID string) ([]Workspace, error) {
	reqBody := resourceGraphRequest{
		Query: workspaceDiscoveryQuery,
		Options: &resourceGraphOptions{
			ResultFormat: "objectArray",
			Top:          resourceGraphPageSize,
		},
	}
	if subscriptionID != "" {
		reqBody.Subscriptions = []string{subscriptionID}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, gwerrors.Internal(opQueryResourceGraph, err)
	}

	url := fmt.Sprintf("%s/providers/Microsoft.ResourceGraph/resources?api-version=%s",
		c.baseURL, resourceGraphAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Internal(opQueryResourceGraph, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gwerrors.UpstreamUnavailable(opQueryResourceGraph,
			fmt.Errorf("resource graph unreachable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDataPlaneResponseBytes))
	if err != nil {
		return nil, gwerrors.UpstreamUnavailable(opQueryResourceGraph,
			fmt.Errorf("reading resource graph response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(opQueryResourceGraph, resp.StatusCode, body)
	}

	var envelope resourceGraphResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, gwerrors.Internal(opQueryResourceGraph,
			fmt.Errorf("malformed resource graph response: %w", err))
	}

	var workspaces []Workspace
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &workspaces); err != nil {
			return nil, gwerrors.Internal(opQueryResourceGraph,
				fmt.Errorf("malformed resource graph rows: %w", err))
		}
	}

	log.Debug().
		Int("workspaces", len(workspaces)).
		Int64("total_records", envelope.TotalRecords).
		Msg("Discovered Log Analytics workspaces")
	return workspaces, nil
}
