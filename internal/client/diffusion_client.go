package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdtile/upscaler/internal/config"
	"github.com/sdtile/upscaler/internal/pipeline"
)

// DiffusionClient talks to the external worker that compiles and runs
// diffusion pipelines. Each loaded pipeline is addressed by the id the
// worker hands out.
type DiffusionClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// LoadPipelineRequest asks the worker to build a pipeline for a config
type LoadPipelineRequest struct {
	Task           string `json:"task"`
	ModelID        string `json:"model_id"`
	CheckpointPath string `json:"ckpt_loc,omitempty"`
	Precision      string `json:"precision"`
	BatchSize      int    `json:"batch_size"`
	MaxLength      int    `json:"max_length"`
	Height         int    `json:"height"`
	Width          int    `json:"width"`
	Device         string `json:"device"`
	Lora           string `json:"lora,omitempty"`
	Stencil        string `json:"stencil,omitempty"`
	OnDemand       bool   `json:"ondemand"`
}

type LoadPipelineResponse struct {
	ID string `json:"id"`
}

// UpscaleTileRequest is one tile invocation
type UpscaleTileRequest struct {
	Image          string  `json:"image"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	NoiseLevel     int     `json:"noise_level"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
	MaxLength      int     `json:"max_length"`
	Scheduler      string  `json:"scheduler"`
	Precision      string  `json:"precision"`
}

type UpscaleTileResponse struct {
	Images []string `json:"images"`
}

// NewDiffusionClient creates a new diffusion service client
func NewDiffusionClient(cfg *config.DiffusionConfig) *DiffusionClient {
	return &DiffusionClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: strings.TrimSuffix(cfg.ServiceURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *DiffusionClient) IsConfigured() bool {
	return c.baseURL != ""
}

// Factory adapts the client to the pipeline cache.
func (c *DiffusionClient) Factory() pipeline.Factory {
	return func(ctx context.Context, cfg pipeline.Config) (pipeline.Backend, error) {
		return c.Load(ctx, cfg)
	}
}

// Load builds a pipeline on the worker and returns a handle to it
func (c *DiffusionClient) Load(ctx context.Context, cfg pipeline.Config) (*RemotePipeline, error) {
	req := &LoadPipelineRequest{
		Task:           cfg.Task,
		ModelID:        cfg.ModelID,
		CheckpointPath: cfg.CheckpointPath,
		Precision:      cfg.Precision,
		BatchSize:      cfg.BatchSize,
		MaxLength:      cfg.MaxLength,
		Height:         cfg.Height,
		Width:          cfg.Width,
		Device:         cfg.Device,
		Lora:           cfg.Lora,
		Stencil:        cfg.Stencil,
		OnDemand:       cfg.OnDemand,
	}

	var resp LoadPipelineResponse
	if err := c.do(ctx, http.MethodPost, "/v1/pipelines", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("diffusion service returned no pipeline id")
	}

	log.Info().Str("pipeline_id", resp.ID).Str("config", cfg.Fingerprint()).Msg("diffusion pipeline loaded")
	return &RemotePipeline{client: c, id: resp.ID}, nil
}

// HealthCheck checks if the diffusion service is available
func (c *DiffusionClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("diffusion service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// do sends a request with an optional JSON body and parses the JSON response
// into result when it is non-nil.
func (c *DiffusionClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("diffusion request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("diffusion request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("diffusion service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// RemotePipeline is a pipeline.Backend living on the diffusion service.
type RemotePipeline struct {
	client *DiffusionClient
	id     string
}

func (p *RemotePipeline) ID() string {
	return p.id
}

// Generate upscales one tile. Images travel as base64 PNG.
func (p *RemotePipeline) Generate(ctx context.Context, tile image.Image, params pipeline.Params) ([]image.Image, error) {
	encoded, err := EncodePNG(tile)
	if err != nil {
		return nil, err
	}

	req := &UpscaleTileRequest{
		Image:          encoded,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Steps:          params.Steps,
		NoiseLevel:     params.NoiseLevel,
		GuidanceScale:  params.GuidanceScale,
		Seed:           params.Seed,
		BatchSize:      params.BatchSize,
		MaxLength:      params.MaxLength,
		Scheduler:      params.Scheduler,
		Precision:      params.Precision,
	}

	var resp UpscaleTileResponse
	if err := p.client.do(ctx, http.MethodPost, "/v1/pipelines/"+p.id+"/upscale", req, &resp); err != nil {
		return nil, err
	}

	images := make([]image.Image, 0, len(resp.Images))
	for i, s := range resp.Images {
		img, err := DecodeImage(s)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// Close releases the pipeline on the worker.
func (p *RemotePipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.client.do(ctx, http.MethodDelete, "/v1/pipelines/"+p.id, nil, nil)
}

// EncodePNG returns img as base64 encoded PNG.
func EncodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeImage accepts plain base64 or a data URL and decodes any registered
// image format.
func DecodeImage(s string) (image.Image, error) {
	if strings.HasPrefix(s, "data:") {
		if _, after, ok := strings.Cut(s, ","); ok {
			s = after
		}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
