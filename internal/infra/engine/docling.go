package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"document-refinery/internal/config"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
)

var _ adapter.ConversionEngine = (*DoclingClient)(nil)

// DoclingClient implements ConversionEngine against a docling-serve instance
// using direct HTTP calls.
type DoclingClient struct {
	baseURL string
	client  *http.Client
}

func NewDoclingClient(cfg config.EngineConfig) *DoclingClient {
	return &DoclingClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type convertResponse struct {
	Document      json.RawMessage `json:"document"`
	PageCount     int             `json:"page_count"`
	EngineVersion string          `json:"engine_version"`
}

type exportRequest struct {
	Document json.RawMessage `json:"document"`
	Formats  []string        `json:"formats"`
}

type exportResponse struct {
	Exports map[string]string `json:"exports"`
}

type chunkRequest struct {
	Document  json.RawMessage `json:"document"`
	Strategy  string          `json:"strategy"`
	MaxTokens int             `json:"max_tokens"`
}

type chunkResponse struct {
	Chunks json.RawMessage `json:"chunks"`
}

// Convert uploads the clean file together with its options snapshot and
// returns the engine's structured document.
func (c *DoclingClient) Convert(ctx context.Context, cleanPath string, opts model.ConvertOptions) (adapter.ConvertResult, error) {
	f, err := os.Open(cleanPath)
	if err != nil {
		return adapter.ConvertResult{}, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	optJSON, err := json.Marshal(opts)
	if err != nil {
		return adapter.ConvertResult{}, fmt.Errorf("marshal options: %w", err)
	}
	if err := mw.WriteField("options", string(optJSON)); err != nil {
		return adapter.ConvertResult{}, err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(cleanPath))
	if err != nil {
		return adapter.ConvertResult{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return adapter.ConvertResult{}, fmt.Errorf("copy source file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return adapter.ConvertResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/convert", &body)
	if err != nil {
		return adapter.ConvertResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out convertResponse
	if err := c.do(req, &out); err != nil {
		return adapter.ConvertResult{}, err
	}
	if len(out.Document) == 0 {
		return adapter.ConvertResult{}, fmt.Errorf("engine returned empty document")
	}
	return adapter.ConvertResult{
		Document:      out.Document,
		PageCount:     out.PageCount,
		EngineVersion: out.EngineVersion,
	}, nil
}

// Export renders the structured document into the requested kinds in one call.
func (c *DoclingClient) Export(ctx context.Context, structured []byte, kinds []model.ArtifactKind) (map[model.ArtifactKind][]byte, error) {
	formats := make([]string, 0, len(kinds))
	for _, k := range kinds {
		formats = append(formats, string(k))
	}
	var out exportResponse
	if err := c.post(ctx, "/v1/export", exportRequest{Document: structured, Formats: formats}, &out); err != nil {
		return nil, err
	}

	result := make(map[model.ArtifactKind][]byte, len(kinds))
	for _, k := range kinds {
		content, ok := out.Exports[string(k)]
		if !ok {
			return nil, fmt.Errorf("engine response missing %q export", k)
		}
		result[k] = []byte(content)
	}
	return result, nil
}

func (c *DoclingClient) Chunk(ctx context.Context, structured []byte, strategy string, maxTokens int) ([]byte, error) {
	var out chunkResponse
	if err := c.post(ctx, "/v1/chunk", chunkRequest{Document: structured, Strategy: strategy, MaxTokens: maxTokens}, &out); err != nil {
		return nil, err
	}
	if len(out.Chunks) == 0 {
		return nil, fmt.Errorf("engine returned empty chunks")
	}
	return out.Chunks, nil
}

func (c *DoclingClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *DoclingClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("engine response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, truncate(body, 256))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
