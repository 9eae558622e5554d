package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	sessionsURI       = "kansoku://sessions"
	sessionURIPrefix  = "kansoku://sessions/"
	snapshotURISuffix = "/snapshot"
	topologyURISuffix = "/topology"
)

func (s *Server) registerResources() {
	// kansoku://sessions lists open sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			sessionsURI,
			"Open Sessions",
			mcplib.WithResourceDescription("Open observation sessions, most recently updated first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}"+snapshotURISuffix,
			"Session Snapshot",
			mcplib.WithTemplateDescription("Full current snapshot of one session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSnapshotResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}"+topologyURISuffix,
			"Session Topology",
			mcplib.WithTemplateDescription("Workflow topology and diagram nodes of one session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTopologyResource,
	)
}

func (s *Server) handleSessionsResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(sessionsURI, s.hub.List())
}

func (s *Server) handleSnapshotResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseSessionURI(uri, snapshotURISuffix)
	if err != nil {
		return nil, err
	}
	d, err := s.hub.Get(id)
	if err != nil {
		return nil, fmt.Errorf("mcp: snapshot: %w", err)
	}
	return jsonResource(uri, d.Snapshot())
}

func (s *Server) handleTopologyResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseSessionURI(uri, topologyURISuffix)
	if err != nil {
		return nil, err
	}
	d, err := s.hub.Get(id)
	if err != nil {
		return nil, fmt.Errorf("mcp: topology: %w", err)
	}
	topo := d.Topology()
	return jsonResource(uri, map[string]any{
		"topology": topo,
		"nodes":    topo.Nodes(),
	})
}

// parseSessionURI extracts the session id from
// kansoku://sessions/{id}<suffix>.
func parseSessionURI(uri, suffix string) (string, error) {
	rest, ok := strings.CutPrefix(uri, sessionURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, suffix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: empty or malformed session id in URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
