package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // empty for api.openai.com
	Model      string
	Dimensions int
	MaxRetries int
}

// OpenAI calls the /embeddings endpoint of any OpenAI-compatible server.
type OpenAI struct {
	client openai.Client
	model  string
	dims   int
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding openai: api key is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding openai: invalid dimensions %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}, nil
}

func (o *OpenAI) Dimensions() int { return o.dims }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: openai.Int(int64(o.dims)),
	})
	if err != nil {
		return nil, &Error{Provider: "openai", Err: err}
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: "openai", Err: errors.New("empty response")}
	}

	raw := resp.Data[0].Embedding
	if len(raw) != o.dims {
		return nil, &Error{Provider: "openai", Err: fmt.Errorf("got %d dimensions, want %d", len(raw), o.dims)}
	}

	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
