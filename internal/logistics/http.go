package logistics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/epochmesh/backend/internal/core"
	"github.com/epochmesh/backend/internal/rebellion"
)

// HTTPTransport is the REST fallback for deployments without gRPC exposure.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport targets the service's HTTP listener, e.g.
// "http://localhost:12065".
func NewHTTPTransport(base string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPTransport{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Probability(ctx context.Context, npcID string, includeFactors bool) (*Assessment, error) {
	url := fmt.Sprintf("%s/api/rebellion/probability/%s", t.base, npcID)
	if includeFactors {
		url += "?include_factors=true"
	}

	var body struct {
		NPCID             string              `json:"npc_id"`
		Probability       float64             `json:"probability"`
		ThresholdExceeded bool                `json:"threshold_exceeded"`
		Factors           *rebellion.Factors  `json:"factors"`
		CalculatedAt      core.EpochTimestamp `json:"calculated_at"`
	}
	if err := t.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}

	return &Assessment{
		NPCID:             body.NPCID,
		Probability:       body.Probability,
		ThresholdExceeded: body.ThresholdExceeded,
		Factors:           body.Factors,
		CalculatedAt:      body.CalculatedAt,
	}, nil
}

func (t *HTTPTransport) ProcessAction(ctx context.Context, action rebellion.Action) (*ActionOutcome, error) {
	url := fmt.Sprintf("%s/api/npc/%s/action", t.base, action.NPCID)

	payload, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("logistics http %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var out ActionOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logistics http %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 200))
	return string(bytes.TrimSpace(b))
}
