package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"calendar-ingest-worker/internal/model"
)

const responseSchemaURL = "https://calendar-worker.local/schemas/extractor-response.json"

// responseSchema is the contract of the remote extraction service
const responseSchema = `{
  "type": "object",
  "required": ["is_event"],
  "properties": {
    "is_event": {"type": "boolean"},
    "event": {
      "type": ["object", "null"],
      "required": ["title", "start"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "location": {"type": "string"},
        "url": {"type": "string"},
        "start": {"type": "string", "minLength": 1},
        "end": {"type": ["string", "null"]},
        "all_day": {"type": "boolean"},
        "publish": {"type": "boolean"},
        "metadata": {"type": ["object", "null"]},
        "priority": {"type": "integer", "minimum": 0, "maximum": 5},
        "external_id": {"type": "string"},
        "flag_id": {"type": "string"},
        "status": {"enum": ["", "pending", "approved", "rejected"]}
      }
    }
  },
  "if": {"properties": {"is_event": {"const": true}}},
  "then": {"required": ["event"]}
}`

type httpResponse struct {
	IsEvent bool                  `json:"is_event"`
	Event   *model.EventCandidate `json:"event"`
}

// HTTPOptions configures the remote extractor
type HTTPOptions struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// HTTP posts the message to an extraction service and validates the
// response against the response schema.
type HTTP struct {
	url        string
	apiKey     string
	httpClient *http.Client
	schema     *jsonschema.Schema
}

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("extractor url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	return &HTTP{
		url:        url,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		schema:     schema,
	}, nil
}

func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(responseSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add response schema: %w", err)
	}
	schema, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %w", err)
	}
	return schema, nil
}

func (h *HTTP) Extract(ctx context.Context, in Input) (*model.EventCandidate, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call extractor: %w", err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read extractor response: %w", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("extractor returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(respBody))
	if err != nil {
		return nil, fmt.Errorf("failed to decode extractor response: %w", err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("extractor response does not match schema: %w", err)
	}

	var out httpResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode extractor response: %w", err)
	}
	if !out.IsEvent || out.Event == nil {
		return nil, ErrNotEvent
	}
	return out.Event, nil
}
