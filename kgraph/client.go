// Package kgraph writes document chunks into the knowledge-graph engine as
// episodes and compensates on partial failure so the graph never holds half
// a document.
package kgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
)

// Episode is one unit of content handed to the graph engine. GroupID is the
// tenant id; the engine partitions everything by it.
type Episode struct {
	Name          string    `json:"name"`
	EpisodeBody   string    `json:"episode_body"`
	ReferenceTime time.Time `json:"reference_time"`
	GroupID       string    `json:"group_id"`
	SourceDesc    string    `json:"source_description,omitempty"`
}

// GraphClient is the engine surface the ingestor uses.
type GraphClient interface {
	AddEpisode(ctx context.Context, ep Episode) (string, error)
	RemoveEpisode(ctx context.Context, episodeID string) error
}

// ClientConfig configures the HTTP graph engine client.
type ClientConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks JSON to the graph engine.
type HTTPClient struct {
	cfg    ClientConfig
	client *http.Client
	log    *logrus.Entry
}

var _ GraphClient = (*HTTPClient)(nil)

func NewHTTPClient(cfg ClientConfig, logger *logrus.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.WithField("component", "graph_client"),
	}
}

type addEpisodeResponse struct {
	UUID string `json:"uuid"`
}

// AddEpisode submits an episode and returns the engine-assigned id.
func (c *HTTPClient) AddEpisode(ctx context.Context, ep Episode) (string, error) {
	body, err := json.Marshal(ep)
	if err != nil {
		return "", fmt.Errorf("failed to encode episode: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/episodes", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.statusError(resp, "add episode")
	}

	var out addEpisodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode episode response: %w", err)
	}
	if out.UUID == "" {
		return "", common.NewRuntimeError("graph engine returned no episode id")
	}
	return out.UUID, nil
}

// RemoveEpisode deletes an episode. A 404 is success, the episode is gone
// either way.
func (c *HTTPClient) RemoveEpisode(ctx context.Context, episodeID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/episodes/"+url.PathEscape(episodeID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp, "remove episode")
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, common.Classify(err)
	}
	return resp, nil
}

func (c *HTTPClient) statusError(resp *http.Response, op string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return common.FromHTTPStatus(resp.StatusCode,
		fmt.Sprintf("graph engine %s returned %d: %s", op, resp.StatusCode, msg))
}
