package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func pngDataURI(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func textBlock(s string) models.ContentBlock {
	return models.ContentBlock{Type: models.BlockTypeText, Text: s}
}

func imageBlock(uri string) models.ContentBlock {
	return models.ContentBlock{Type: models.BlockTypeImageURL, ImageURL: &models.ImageURL{URL: uri}}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(0, 0)
	blocks := []models.ContentBlock{
		textBlock("describe this"),
		imageBlock(pngDataURI(t, 4, 4)),
	}
	if err := v.Validate(blocks); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator(0, 0)
	cases := []struct {
		name   string
		blocks []models.ContentBlock
	}{
		{"no blocks", nil},
		{"empty text", []models.ContentBlock{textBlock("  ")}},
		{"unknown type", []models.ContentBlock{{Type: "video"}}},
		{"image without url", []models.ContentBlock{{Type: models.BlockTypeImageURL}}},
		{"not a data uri", []models.ContentBlock{imageBlock("https://example.com/a.png")}},
		{"not base64 encoded", []models.ContentBlock{imageBlock("data:image/png;utf8,hello")}},
		{"bad base64", []models.ContentBlock{imageBlock("data:image/png;base64,!!!")}},
		{"non-image mime", []models.ContentBlock{imageBlock("data:text/plain;base64,aGk=")}},
		{"undecodable payload", []models.ContentBlock{imageBlock(
			"data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("not an image at all, just text bytes")))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.blocks)
			if !errors.Is(err, ErrInvalidBlock) {
				t.Errorf("err = %v, want ErrInvalidBlock", err)
			}
		})
	}
}

func TestValidateSizeBound(t *testing.T) {
	v := NewValidator(64, 0)
	err := v.Validate([]models.ContentBlock{imageBlock(pngDataURI(t, 64, 64))})
	if !errors.Is(err, ErrInvalidBlock) || !strings.Contains(err.Error(), "bytes") {
		t.Errorf("err = %v, want size-bound violation", err)
	}
}

func TestValidateDeclaredTypeMismatch(t *testing.T) {
	v := NewValidator(0, 0)
	// Plain text bytes declared as an image.
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello world, plain text"))
	err := v.Validate([]models.ContentBlock{imageBlock(uri)})
	if !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("err = %v, want ErrInvalidBlock", err)
	}
}

func TestValidateDownscalesOversized(t *testing.T) {
	// 40x40 = 1600 pixels against a 400-pixel bound.
	v := NewValidator(0, 400)
	blocks := []models.ContentBlock{imageBlock(pngDataURI(t, 40, 40))}

	if err := v.Validate(blocks); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	uri := blocks[0].ImageURL.URL
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("rewritten uri = %.40s...", uri)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/png;base64,"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode downscaled: %v", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > 400 {
		t.Errorf("downscaled to %dx%d, still above bound", cfg.Width, cfg.Height)
	}
	if cfg.Width != cfg.Height {
		t.Errorf("aspect ratio not preserved: %dx%d", cfg.Width, cfg.Height)
	}
}
