// Package imagegen renders images from text prompts via a hosted
// diffusion endpoint.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/denvoros/aurabot/internal/logging"
)

// Generator renders a single image for a prompt. Implementations must honor
// ctx cancellation; the returned bytes are a finished PNG or JPEG.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// RestGenerator calls a Workers-AI-style diffusion endpoint: POST the prompt
// as JSON, receive the image base64-encoded in the result envelope.
type RestGenerator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRestGenerator builds a generator for the configured endpoint.
func NewRestGenerator(endpoint, apiKey string, timeout time.Duration) *RestGenerator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RestGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt   string  `json:"prompt"`
	NumSteps int     `json:"num_steps"`
	Guidance float64 `json:"guidance"`
}

type generateResponse struct {
	Result struct {
		Image string `json:"image"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Generate renders one image for the prompt.
func (g *RestGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, NumSteps: 40, Guidance: 7.5})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read image response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image endpoint returned %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("image endpoint error: %s", out.Errors[0].Message)
	}
	if out.Result.Image == "" {
		return nil, fmt.Errorf("image endpoint returned no image")
	}

	img, err := base64.StdEncoding.DecodeString(out.Result.Image)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}

	L_debug("imagegen: rendered", "bytes", len(img), "elapsed", time.Since(start))
	return img, nil
}
