package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"strings"
)

// Image generation parameters are fixed for the whole product.
const (
	ImageSize           = "1024x1024"
	imageResponseFormat = "b64_json"
)

var ErrInvalidImage = errors.New("openai: response is not a valid image")

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// GenerateImage renders prompt with model and returns the picture as PNG.
// Whatever raster format the upstream returns is decoded and re-encoded so
// callers always get PNG bytes.
func (c *Client) GenerateImage(ctx context.Context, model, prompt string) ([]byte, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("openai: prompt must not be empty")
	}

	raw, err := c.postJSON(ctx, "/images/generations", imageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           ImageSize,
		ResponseFormat: imageResponseFormat,
	}, maxImageBody)
	if err != nil {
		return nil, fmt.Errorf("openai: image request failed: %w", err)
	}

	var payload imageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openai: decode image response: %w", err)
	}
	if len(payload.Data) == 0 || payload.Data[0].B64JSON == "" {
		return nil, errors.New("openai: no image data in response")
	}
	return toPNG(payload.Data[0].B64JSON)
}

func toPNG(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidImage, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if format == "png" {
		return data, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("openai: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
