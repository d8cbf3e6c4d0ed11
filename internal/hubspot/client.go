package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.hubapi.com"

// pageSize is HubSpot's maximum page size for list and search endpoints.
const pageSize = 100

// APIError carries the status and body of a non-2xx CRM response for
// diagnosis by the caller.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("hubspot API returned %d: %s", e.StatusCode, body)
}

// Client is a bearer-authenticated HubSpot v3 API client. Retries on 429 and
// 5xx are handled by the underlying retryable transport.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	log     *logrus.Entry
}

func NewClient(token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &Client{
		http:    rc,
		baseURL: defaultBaseURL,
		token:   token,
		log:     logrus.WithField("component", "hubspot"),
	}
}

// WithBaseURL points the client at a different API host. Used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// FetchDeals returns every deal, fully draining pagination. With filters set
// it uses the server-side search endpoint; otherwise a full scan.
func (c *Client) FetchDeals(ctx context.Context, filters *DealFilters) ([]Deal, error) {
	if filters.Empty() {
		return c.fetchDealsScan(ctx)
	}
	return c.fetchDealsSearch(ctx, filters)
}

func (c *Client) fetchDealsScan(ctx context.Context) ([]Deal, error) {
	var deals []Deal
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("properties", strings.Join(dealProperties, ","))
		if after != "" {
			q.Set("after", after)
		}

		raw, err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("fetching deals page: %w", err)
		}

		var page dealListResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding deals page: %w", err)
		}
		deals = append(deals, page.Results...)

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			break
		}
		after = page.Paging.Next.After
	}
	c.log.WithField("count", len(deals)).Debug("deal scan complete")
	return deals, nil
}

type searchFilter struct {
	PropertyName string   `json:"propertyName"`
	Operator     string   `json:"operator"`
	Value        string   `json:"value,omitempty"`
	Values       []string `json:"values,omitempty"`
}

type searchRequest struct {
	FilterGroups []struct {
		Filters []searchFilter `json:"filters"`
	} `json:"filterGroups"`
	Properties []string `json:"properties"`
	Limit      int      `json:"limit"`
	After      string   `json:"after,omitempty"`
}

func (c *Client) fetchDealsSearch(ctx context.Context, filters *DealFilters) ([]Deal, error) {
	var group []searchFilter
	if filters.CloseDateStart != nil && filters.CloseDateEnd != nil {
		group = append(group,
			searchFilter{PropertyName: "closedate", Operator: "GTE", Value: strconv.FormatInt(filters.CloseDateStart.UnixMilli(), 10)},
			searchFilter{PropertyName: "closedate", Operator: "LTE", Value: strconv.FormatInt(filters.CloseDateEnd.UnixMilli(), 10)},
		)
	}
	if len(filters.Stages) > 0 {
		group = append(group, searchFilter{PropertyName: "dealstage", Operator: "IN", Values: filters.Stages})
	}
	if filters.OwnerID != "" {
		group = append(group, searchFilter{PropertyName: "hubspot_owner_id", Operator: "EQ", Value: filters.OwnerID})
	}

	req := searchRequest{Properties: dealProperties, Limit: pageSize}
	req.FilterGroups = []struct {
		Filters []searchFilter `json:"filters"`
	}{{Filters: group}}

	var deals []Deal
	for {
		raw, err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/search", req)
		if err != nil {
			return nil, fmt.Errorf("searching deals: %w", err)
		}

		var page dealListResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding search page: %w", err)
		}
		deals = append(deals, page.Results...)

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			break
		}
		req.After = page.Paging.Next.After
	}
	return deals, nil
}

// FetchOwners returns all owners, draining pagination.
func (c *Client) FetchOwners(ctx context.Context) ([]Owner, error) {
	var owners []Owner
	after := ""
	for {
		path := "/crm/v3/owners?limit=" + strconv.Itoa(pageSize)
		if after != "" {
			path += "&after=" + url.QueryEscape(after)
		}

		raw, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("fetching owners: %w", err)
		}

		var page ownerListResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding owners: %w", err)
		}
		owners = append(owners, page.Results...)

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			break
		}
		after = page.Paging.Next.After
	}
	return owners, nil
}

// FetchPipelines returns the region's deal pipelines with stage metadata.
func (c *Client) FetchPipelines(ctx context.Context) ([]Pipeline, error) {
	raw, err := c.do(ctx, http.MethodGet, "/crm/v3/pipelines/deals", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching pipelines: %w", err)
	}

	var resp pipelineListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding pipelines: %w", err)
	}
	return resp.Results, nil
}

type batchReadRequest struct {
	Inputs []struct {
		ID string `json:"id"`
	} `json:"inputs"`
	Properties []string `json:"properties"`
}

func batchInputs(ids []string) []struct {
	ID string `json:"id"`
} {
	inputs := make([]struct {
		ID string `json:"id"`
	}, len(ids))
	for i, id := range ids {
		inputs[i].ID = id
	}
	return inputs
}

// FetchLineItems batch-reads line items by id. Associations are enrichment,
// not required data: an empty input yields an empty result, and a remote
// failure is logged and degraded to empty rather than surfaced.
func (c *Client) FetchLineItems(ctx context.Context, ids []string) ([]LineItem, error) {
	if len(ids) == 0 {
		return []LineItem{}, nil
	}

	req := batchReadRequest{Inputs: batchInputs(ids), Properties: lineItemProperties}
	raw, err := c.do(ctx, http.MethodPost, "/crm/v3/objects/line_items/batch/read", req)
	if err != nil {
		c.log.WithError(err).Warn("line item batch read failed")
		return []LineItem{}, nil
	}

	var resp lineItemBatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.WithError(err).Warn("line item batch decode failed")
		return []LineItem{}, nil
	}
	return resp.Results, nil
}

// FetchContacts batch-reads contacts by id with the same fault tolerance as
// FetchLineItems.
func (c *Client) FetchContacts(ctx context.Context, ids []string) ([]Contact, error) {
	if len(ids) == 0 {
		return []Contact{}, nil
	}

	req := batchReadRequest{Inputs: batchInputs(ids), Properties: contactProperties}
	raw, err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/batch/read", req)
	if err != nil {
		c.log.WithError(err).Warn("contact batch read failed")
		return []Contact{}, nil
	}

	var resp contactBatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.WithError(err).Warn("contact batch decode failed")
		return []Contact{}, nil
	}
	return resp.Results, nil
}

func (c *Client) associatedIDs(ctx context.Context, dealID, objectType string) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals/"+url.PathEscape(dealID)+"/associations/"+objectType, nil)
	if err != nil {
		return nil, err
	}

	var resp associationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s associations: %w", objectType, err)
	}

	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// FetchDealLineItems composes the association lookup with the batch read.
// Failures degrade to an empty set.
func (c *Client) FetchDealLineItems(ctx context.Context, dealID string) ([]LineItem, error) {
	ids, err := c.associatedIDs(ctx, dealID, "line_items")
	if err != nil {
		c.log.WithError(err).WithField("deal", dealID).Warn("line item association lookup failed")
		return []LineItem{}, nil
	}
	return c.FetchLineItems(ctx, ids)
}

// FetchDealWithAssociations fetches one deal plus its line items and
// contacts. A failed base fetch returns an error; association failures
// degrade to empty sets.
func (c *Client) FetchDealWithAssociations(ctx context.Context, dealID string) (*DealWithAssociations, error) {
	q := url.Values{}
	q.Set("properties", strings.Join(dealProperties, ","))

	raw, err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals/"+url.PathEscape(dealID)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching deal %s: %w", dealID, err)
	}

	var deal Deal
	if err := json.Unmarshal(raw, &deal); err != nil {
		return nil, fmt.Errorf("decoding deal %s: %w", dealID, err)
	}

	result := &DealWithAssociations{Deal: deal}
	result.LineItems, _ = c.FetchDealLineItems(ctx, dealID)

	contactIDs, err := c.associatedIDs(ctx, dealID, "contacts")
	if err != nil {
		c.log.WithError(err).WithField("deal", dealID).Warn("contact association lookup failed")
	} else {
		result.Contacts, _ = c.FetchContacts(ctx, contactIDs)
	}
	return result, nil
}

// TestConnection performs a minimal authenticated read and reports the
// outcome with a human-readable message.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	_, err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals?limit=1", nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return false, fmt.Sprintf("CRM rejected the request with status %d", apiErr.StatusCode)
		}
		return false, fmt.Sprintf("CRM is unreachable: %v", err)
	}
	return true, "Connection OK"
}
