package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// opsAppName is the application name fragment of the Agent Ops & Metrics
// deployment that hosts Phoenix inside a CML project.
const opsAppName = "agent studio - agent ops & metrics"

// ErrNoOpsApplication is returned when discovery finds no running Phoenix.
var ErrNoOpsApplication = errors.New("phoenix: no running ops application")

// DiscoverConfig locates Phoenix through the CML applications API.
type DiscoverConfig struct {
	Domain     string // CML workspace domain, e.g. "ml-abc.example.com".
	ProjectID  string
	APIKey     string
	HTTPClient *http.Client
	// Scheme defaults to https. Tests point it at an httptest server.
	Scheme string
}

type application struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Status    string `json:"status"`
}

// DiscoverURL returns the base URL of the first running ops application in
// the project. Applications are taken in the order CML lists them.
func DiscoverURL(ctx context.Context, cfg DiscoverConfig) (string, error) {
	if cfg.Domain == "" || cfg.ProjectID == "" {
		return "", fmt.Errorf("phoenix: discovery requires a domain and project id")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s://%s/api/v2/projects/%s/applications", scheme, cfg.Domain, cfg.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("phoenix: create request: %w", err)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("phoenix: list applications: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("phoenix: read applications: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &Error{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	var list struct {
		Applications []application `json:"applications"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("phoenix: decode applications: %w", err)
	}

	for _, app := range list.Applications {
		if strings.Contains(strings.ToLower(app.Name), opsAppName) &&
			strings.Contains(strings.ToLower(app.Status), "running") &&
			app.Subdomain != "" {
			return fmt.Sprintf("%s://%s.%s", scheme, app.Subdomain, cfg.Domain), nil
		}
	}
	return "", ErrNoOpsApplication
}

// ResolveURL returns baseURL when it is set and discovers it otherwise.
func ResolveURL(ctx context.Context, baseURL string, cfg DiscoverConfig) (string, error) {
	if baseURL != "" {
		return baseURL, nil
	}
	return DiscoverURL(ctx, cfg)
}
