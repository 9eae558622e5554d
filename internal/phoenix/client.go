// Package phoenix is a client for the Phoenix tracing backend's GraphQL API.
// It resolves a local trace id to its containing project and returns every
// span under the trace's root span.
package phoenix

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// maxResponseBytes bounds a single GraphQL response. Long runs can carry
// large completion payloads, but nothing legitimate approaches this.
const maxResponseBytes = 64 << 20

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the Phoenix root URL; "/graphql" is appended.
	BaseURL string

	// APIKey is sent as a bearer token. Optional for local Phoenix.
	APIKey string

	// CABundlePath is a PEM file of additional trusted roots.
	CABundlePath string

	// HTTPClient overrides the default client. CABundlePath is ignored when set.
	HTTPClient *http.Client

	// Timeout applies to individual requests. Defaults to 10 seconds.
	Timeout time.Duration
}

// Client queries Phoenix. All methods are safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("phoenix: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		transport, err := newTransport(cfg.CABundlePath)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/graphql",
		apiKey:   cfg.APIKey,
		client:   httpClient,
	}, nil
}

// newTransport clones the default transport and, when a bundle path is
// given, trusts its certificates in addition to the system pool.
func newTransport(caBundlePath string) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caBundlePath == "" {
		return transport, nil
	}
	pem, err := os.ReadFile(caBundlePath) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("phoenix: read CA bundle: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("phoenix: CA bundle %s contains no certificates", caBundlePath)
	}
	transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return transport, nil
}

const projectsQuery = `query QueryProjectsForTraceExistence($traceId: ID!) {
  projects(first: 1000) {
    edges {
      node {
        id
        trace(traceId: $traceId) {
          id
        }
      }
    }
  }
}`

const descendantsQuery = `query TraceDescendants($id: GlobalID!) {
  node(id: $id) {
    ... on Trace {
      rootSpan {
        name
        descendants {
          id
          name
          startTime
          endTime
          cumulativeTokenCountTotal
          cumulativeTokenCountPrompt
          cumulativeTokenCountCompletion
          attributes
          events {
            message
            name
            timestamp
          }
        }
      }
    }
  }
}`

type projectsData struct {
	Projects struct {
		Edges []struct {
			Node struct {
				ID    string `json:"id"`
				Trace *struct {
					ID string `json:"id"`
				} `json:"trace"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"projects"`
}

type descendantsData struct {
	Node *struct {
		RootSpan *struct {
			Name        string                `json:"name"`
			Descendants []model.RawDescendant `json:"descendants"`
		} `json:"rootSpan"`
	} `json:"node"`
}

// FetchTraceDescendants returns the project id and every span under the
// root span of traceID, in the order Phoenix reports them. It returns
// ErrTraceNotFound while the trace has not been ingested yet.
func (c *Client) FetchTraceDescendants(ctx context.Context, traceID string) (model.TraceResult, error) {
	traceID = NormalizeTraceID(traceID)
	if traceID == "" {
		return model.TraceResult{}, fmt.Errorf("phoenix: trace id is required")
	}

	projectID, globalTraceID, err := c.lookupTrace(ctx, traceID)
	if err != nil {
		return model.TraceResult{}, err
	}

	var data descendantsData
	if err := c.query(ctx, descendantsQuery, map[string]any{"id": globalTraceID}, &data); err != nil {
		return model.TraceResult{}, err
	}
	if data.Node == nil || data.Node.RootSpan == nil {
		// The trace exists but its root span has not been exported yet.
		return model.TraceResult{ProjectID: projectID, Descendants: []model.RawDescendant{}}, nil
	}

	descendants := data.Node.RootSpan.Descendants
	if descendants == nil {
		descendants = []model.RawDescendant{}
	}
	return model.TraceResult{ProjectID: projectID, Descendants: descendants}, nil
}

// lookupTrace finds the project containing traceID. Phoenix cannot search
// projects by trace directly, so every project is asked for the trace and
// the first non-null answer wins.
func (c *Client) lookupTrace(ctx context.Context, traceID string) (projectID, globalTraceID string, err error) {
	var data projectsData
	if err := c.query(ctx, projectsQuery, map[string]any{"traceId": traceID}, &data); err != nil {
		return "", "", err
	}
	for _, edge := range data.Projects.Edges {
		if edge.Node.Trace != nil && edge.Node.Trace.ID != "" {
			return edge.Node.ID, edge.Node.Trace.ID, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message string `json:"message"`
}

func (c *Client) query(ctx context.Context, query string, vars map[string]any, dest any) error {
	encoded, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("phoenix: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("phoenix: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("phoenix: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("phoenix: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	var envelope gqlResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("phoenix: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return &Error{StatusCode: resp.StatusCode, Message: strings.Join(msgs, "; ")}
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("phoenix: decode data: %w", err)
	}
	return nil
}

func errorMessage(body []byte, fallback string) string {
	var envelope gqlResponse
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		return envelope.Errors[0].Message
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}
