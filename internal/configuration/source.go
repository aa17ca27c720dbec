package configuration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Document names served by the configuration server
const (
	BaseConfigName     = "base_config"
	GlobalSettingsName = "global_settings"
)

// ErrNotFound is returned when the configuration server has no document
// under the requested name.
var ErrNotFound = errors.New("configuration not found")

// MicroserviceName returns the source name of a microservice document
func MicroserviceName(configName string) string {
	return "microservices/" + configName
}

// Source fetches configuration documents by name
type Source interface {
	Get(ctx context.Context, name string) (Document, error)
}

// Client reads documents from the configuration REST server at
// <url>/configurations/<name>.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a configuration server client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Get fetches one document. A 404 response yields ErrNotFound.
func (c *Client) Get(ctx context.Context, name string) (Document, error) {
	url := fmt.Sprintf("%s/configurations/%s", c.baseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch configuration %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("configuration server returned %d for %s: %s", resp.StatusCode, name, strings.TrimSpace(string(body)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration %s: %w", name, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return doc, nil
}

// StaticSource serves documents held in memory. It backs local runs and
// tests.
type StaticSource struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewStaticSource creates a source preloaded with docs
func NewStaticSource(docs map[string]Document) *StaticSource {
	s := &StaticSource{docs: make(map[string]Document)}
	for name, doc := range docs {
		s.docs[name] = doc.Clone()
	}
	return s
}

// Set stores or replaces a document
func (s *StaticSource) Set(name string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = doc.Clone()
}

// Delete removes a document
func (s *StaticSource) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, name)
}

// Get returns a copy of the named document
func (s *StaticSource) Get(_ context.Context, name string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return doc.Clone(), nil
}
