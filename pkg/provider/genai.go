package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// genaiAPI is the production backend over the google.golang.org/genai SDK.
type genaiAPI struct {
	client *genai.Client
}

func newGenaiAPI(ctx context.Context, apiKey string) (*genaiAPI, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("provider: create genai client: %w", err)
	}
	return &genaiAPI{client: client}, nil
}

func (a *genaiAPI) generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(opts.Temperature),
		MaxOutputTokens: opts.MaxOutputTokens,
	}
	if opts.JSONResponse {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

func (a *genaiAPI) embed(ctx context.Context, model string, texts []string, taskType string, dim int) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if dim > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(dim))
	}

	resp, err := a.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func (a *genaiAPI) listModels(ctx context.Context) ([]string, error) {
	var names []string
	for model, err := range a.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		if model.Name != "" {
			names = append(names, model.Name)
		}
	}
	return names, nil
}
