package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultVoyageModel is the default text embedding model.
	DefaultVoyageModel = "voyage-2"

	// DefaultVoyageImageModel is the default multimodal model for frames.
	DefaultVoyageImageModel = "voyage-multimodal-3"

	// DefaultVoyageDimension is the dimension for voyage-2.
	DefaultVoyageDimension = 1024

	// DefaultVoyageBaseURL is the Voyage AI API base.
	DefaultVoyageBaseURL = "https://api.voyageai.com/v1"

	voyageTimeout = 60 * time.Second
)

// VoyageOptions configures a VoyageClient.
type VoyageOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	Dimension  int
	HTTPClient *http.Client
}

// VoyageClient implements Embedder using Voyage AI.
type VoyageClient struct {
	apiKey     string
	baseURL    string
	model      string
	imageModel string
	dimension  int
	client     *http.Client
}

// Compile-time check that VoyageClient implements Embedder.
var _ Embedder = (*VoyageClient)(nil)

// NewVoyageClient creates a new embedding client using Voyage AI.
// Empty options fall back to the package defaults.
func NewVoyageClient(opts VoyageOptions) (*VoyageClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: VOYAGE_API_KEY is not set", ErrAuth)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultVoyageBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultVoyageModel
	}
	if opts.ImageModel == "" {
		opts.ImageModel = DefaultVoyageImageModel
	}
	if opts.Dimension == 0 {
		opts.Dimension = DefaultVoyageDimension
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: voyageTimeout}
	}

	return &VoyageClient{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		model:      opts.Model,
		imageModel: opts.ImageModel,
		dimension:  opts.Dimension,
		client:     opts.HTTPClient,
	}, nil
}

// Model returns the configured text embedding model name.
func (c *VoyageClient) Model() string {
	return c.model
}

// ImageModel returns the multimodal model name.
func (c *VoyageClient) ImageModel() string {
	return c.imageModel
}

// Dimension returns the expected embedding dimension.
func (c *VoyageClient) Dimension() int {
	return c.dimension
}

// voyageRequest is the request format for the text embeddings endpoint.
type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

// voyageMultimodalRequest is the request format for the multimodal endpoint.
type voyageMultimodalRequest struct {
	Inputs []voyageMultimodalInput `json:"inputs"`
	Model  string                  `json:"model"`
}

type voyageMultimodalInput struct {
	Content []voyageContent `json:"content"`
}

type voyageContent struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url,omitempty"`
	Text     string `json:"text,omitempty"`
}

// voyageResponse is the response format from Voyage AI API.
type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed generates an embedding vector for the given text.
func (c *VoyageClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp voyageResponse
	err := c.post(ctx, "/embeddings", voyageRequest{
		Input:     []string{text},
		Model:     c.model,
		InputType: "query",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.first(resp, true)
}

// EmbedDocument embeds text that will be stored rather than queried.
func (c *VoyageClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	var resp voyageResponse
	err := c.post(ctx, "/embeddings", voyageRequest{
		Input:     []string{text},
		Model:     c.model,
		InputType: "document",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.first(resp, true)
}

// EmbedImage embeds an image by URL through the multimodal endpoint.
// The vector lives in the multimodal model's space, which is not guaranteed
// to align with text vectors from Model().
func (c *VoyageClient) EmbedImage(ctx context.Context, imageRef string) ([]float32, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("%w: empty image reference", ErrUnsupported)
	}
	var resp voyageResponse
	err := c.post(ctx, "/multimodalembeddings", voyageMultimodalRequest{
		Inputs: []voyageMultimodalInput{{
			Content: []voyageContent{{Type: "image_url", ImageURL: imageRef}},
		}},
		Model: c.imageModel,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.first(resp, false)
}

func (c *VoyageClient) first(resp voyageResponse, checkDim bool) ([]float32, error) {
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: no embedding data returned", ErrInvalidResponse)
	}
	emb := resp.Data[0].Embedding
	if checkDim && len(emb) != c.dimension {
		return nil, fmt.Errorf("%w: dimension mismatch: got %d, want %d",
			ErrInvalidResponse, len(emb), c.dimension)
	}
	return emb, nil
}

func (c *VoyageClient) post(ctx context.Context, path string, body, out any) error {
	return PostJSON(ctx, c.client, c.baseURL+path, c.apiKey, body, out)
}

// PostJSON sends an authenticated JSON request and decodes the response,
// mapping failures onto the capability errors.
func PostJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: send request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ClassifyStatus(resp.StatusCode, respBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrInvalidResponse, err)
	}
	return nil
}

// ClassifyStatus maps a non-200 HTTP status onto a capability error.
func ClassifyStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, status, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, status, msg)
	}
}
