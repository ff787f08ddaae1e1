// Package store implements the remote row store client. The backend is a
// row-oriented HTTP service in the PostgREST style: per-table filtered
// select/insert/update/delete with eq predicates and a single-row
// cardinality constraint. Every call is a boundary operation that can fail;
// callers branch on the structured error codes, never on assumptions.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/platform/timeouts"
)

// Config carries the connection settings for the remote store.
type Config struct {
	// BaseURL is the REST root, e.g. https://project.example.co/rest/v1.
	BaseURL string
	// APIKey authenticates every request.
	APIKey string
	// HTTPClient overrides the default client; nil gets a client with the
	// standard store request timeout.
	HTTPClient *http.Client
}

// Client talks to the remote row store.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
}

// NewClient builds a store client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.StoreRequest}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		tracer:  otel.Tracer("github.com/ewenmoss/grimoire/internal/store"),
	}
}

// From starts a query against one table.
func (c *Client) From(table string) *Query {
	return &Query{client: c, table: table, selects: "*"}
}

type filter struct {
	column string
	value  string
}

// Query accumulates one request against a table. Builder methods return the
// query for chaining; terminal methods perform the HTTP call.
type Query struct {
	client  *Client
	table   string
	selects string
	filters []filter
	single  bool
}

// Select names the columns to return. Defaults to every column.
func (q *Query) Select(columns string) *Query {
	if columns != "" {
		q.selects = columns
	}
	return q
}

// Eq adds an equality predicate on a column.
func (q *Query) Eq(column, value string) *Query {
	q.filters = append(q.filters, filter{column: column, value: value})
	return q
}

// Single constrains the result to exactly one row; zero rows become a
// not-found error.
func (q *Query) Single() *Query {
	q.single = true
	return q
}

// Get executes a select and decodes the matching rows. With Single set, the
// result has exactly one element.
func (q *Query) Get(ctx context.Context) ([]map[string]any, error) {
	body, err := q.client.do(ctx, http.MethodGet, q.requestURL(true), nil, q.single)
	if err != nil {
		return nil, err
	}

	if q.single {
		var row map[string]any
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreBadPayload, "decode store row", err)
		}
		return []map[string]any{row}, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreBadPayload, "decode store rows", err)
	}
	return rows, nil
}

// Insert adds one row.
func (q *Query) Insert(ctx context.Context, row map[string]any) error {
	return q.send(ctx, http.MethodPost, row, "")
}

// Upsert adds one row, merging on conflict with an existing key.
func (q *Query) Upsert(ctx context.Context, row map[string]any) error {
	return q.send(ctx, http.MethodPost, row, "resolution=merge-duplicates")
}

// Update patches the rows matching the accumulated predicates.
func (q *Query) Update(ctx context.Context, changes map[string]any) error {
	if len(q.filters) == 0 {
		return apperrors.New(apperrors.CodeStoreRequestFailed, "refusing unfiltered update")
	}
	return q.send(ctx, http.MethodPatch, changes, "")
}

// Delete removes the rows matching the accumulated predicates.
func (q *Query) Delete(ctx context.Context) error {
	if len(q.filters) == 0 {
		return apperrors.New(apperrors.CodeStoreRequestFailed, "refusing unfiltered delete")
	}
	_, err := q.client.do(ctx, http.MethodDelete, q.requestURL(false), nil, false)
	return err
}

func (q *Query) send(ctx context.Context, method string, payload map[string]any, prefer string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreBadPayload, "encode store payload", err)
	}
	_, err = q.client.doWithPrefer(ctx, method, q.requestURL(false), encoded, false, prefer)
	return err
}

func (q *Query) requestURL(withSelect bool) string {
	values := url.Values{}
	if withSelect {
		values.Set("select", q.selects)
	}
	for _, f := range q.filters {
		values.Set(f.column, "eq."+f.value)
	}
	u := q.client.baseURL + "/" + url.PathEscape(q.table)
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (c *Client) do(ctx context.Context, method, requestURL string, body []byte, single bool) ([]byte, error) {
	return c.doWithPrefer(ctx, method, requestURL, body, single, "")
}

func (c *Client) doWithPrefer(ctx context.Context, method, requestURL string, body []byte, single bool, prefer string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "store."+strings.ToLower(method))
	defer span.End()
	span.SetAttributes(attribute.String("store.url", requestURL))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "build store request", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "store request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreRequestFailed, "read store response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotAcceptable:
		// PostgREST reports an empty single-row result as 406.
		return nil, apperrors.WithMetadata(apperrors.CodeStoreNotFound, "row not found",
			map[string]string{"url": requestURL})
	default:
		return nil, apperrors.WithMetadata(apperrors.CodeStoreRequestFailed,
			fmt.Sprintf("store returned status %d", resp.StatusCode),
			map[string]string{"url": requestURL, "status": fmt.Sprint(resp.StatusCode)})
	}
}

// Fetch returns the row with the given id from a table. It satisfies the
// kernel store bridge's row store contract.
func (c *Client) Fetch(ctx context.Context, table, id string) (map[string]any, error) {
	rows, err := c.From(table).Select("*").Eq("id", id).Single().Get(ctx)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// Upsert writes a row back to a table, merging on key conflict.
func (c *Client) Upsert(ctx context.Context, table string, row map[string]any) error {
	return c.From(table).Upsert(ctx, row)
}
