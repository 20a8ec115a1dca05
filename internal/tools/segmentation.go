package tools

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

// Point is a click on the image. Label 1 marks foreground, 0 background.
type Point struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
}

// SegmentStats summarises a predicted mask.
type SegmentStats struct {
	Targets        []string `json:"targets"`
	Count          int      `json:"count"`
	VolumeFraction float64  `json:"volume_fraction"`
}

// SegmentResult is the segmentation service's answer.
type SegmentResult struct {
	Success bool          `json:"success"`
	Found   bool          `json:"found"`
	MaskURL string        `json:"mask_url,omitempty"`
	Stats   *SegmentStats `json:"stats,omitempty"`
	Message string        `json:"message,omitempty"`
}

// SegmentationClient talks to the segmentation model server over JSON/HTTP.
type SegmentationClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewSegmentationClient(baseURL string, timeout time.Duration) *SegmentationClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SegmentationClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *SegmentationClient) Name() string {
	return "segment"
}

func (c *SegmentationClient) Description() string {
	return "Segment targets in the session image from text prompts (e.g. \"martensite\", \"black particles\"). Returns a mask and coverage statistics."
}

func (c *SegmentationClient) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompts": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Text prompts naming the targets to segment",
			},
		},
		"required": []string{"prompts"},
	}
}

// SetImage asks the server to encode the session image ahead of predictions.
func (c *SegmentationClient) SetImage(ctx context.Context, sessionID, imagePath string) error {
	var res SegmentResult
	err := c.post(ctx, "/set_image", map[string]any{
		"session_id": sessionID,
		"image_path": imagePath,
	}, &res)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("set image: %s", res.Message)
	}
	return nil
}

func (c *SegmentationClient) PredictByText(ctx context.Context, sessionID string, prompts []string) (SegmentResult, error) {
	var res SegmentResult
	err := c.post(ctx, "/predict/text", map[string]any{
		"session_id": sessionID,
		"prompts":    prompts,
	}, &res)
	return res, err
}

func (c *SegmentationClient) PredictByPoints(ctx context.Context, sessionID string, points []Point) (SegmentResult, error) {
	var res SegmentResult
	err := c.post(ctx, "/predict/points", map[string]any{
		"session_id": sessionID,
		"points":     points,
	}, &res)
	return res, err
}

func (c *SegmentationClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("segmentation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("segmentation server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode segmentation response: %w", err)
	}
	return nil
}
