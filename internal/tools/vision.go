package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// VisionResult is the vision model's answer to a question about an image.
type VisionResult struct {
	Success bool   `json:"success"`
	Answer  string `json:"answer,omitempty"`
	Message string `json:"message,omitempty"`
}

// VisionClient answers questions about local images with a multimodal model.
type VisionClient struct {
	Model       llms.Model
	Temperature float64
}

func NewVisionClient(model llms.Model) *VisionClient {
	return &VisionClient{Model: model, Temperature: 0.2}
}

func (v *VisionClient) Name() string {
	return "visual_query"
}

func (v *VisionClient) Description() string {
	return "Ask a vision model a question about the session image. Use it before segmenting to learn which features are present, and again when segmentation finds nothing."
}

func (v *VisionClient) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The question to ask about the image",
			},
		},
		"required": []string{"query"},
	}
}

func (v *VisionClient) AnswerVisualQuestion(ctx context.Context, imagePath, question string) (VisionResult, error) {
	dataURL, err := imageDataURL(imagePath)
	if err != nil {
		return VisionResult{}, err
	}

	messages := []llms.MessageContent{
		{
			Role: schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.ImageURLPart(dataURL),
				llms.TextPart(question),
			},
		},
	}

	resp, err := v.Model.GenerateContent(ctx, messages, llms.WithTemperature(v.Temperature))
	if err != nil {
		return VisionResult{}, fmt.Errorf("vision model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return VisionResult{}, fmt.Errorf("vision model returned no choices")
	}
	return VisionResult{Success: true, Answer: resp.Choices[0].Content}, nil
}

func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("unsupported image type %s", mime)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}
