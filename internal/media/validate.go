// Package media validates multimodal content blocks before they enter a
// conversation: data-URI parsing, size and pixel bounds, MIME sniffing, and
// downscaling of oversized images.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/loomhq/loom/pkg/models"
)

// Defaults for the upload bounds.
const (
	DefaultMaxBytes  int64 = 8 << 20
	DefaultMaxPixels int64 = 16_000_000
)

// ErrInvalidBlock reports a block that cannot be accepted. All validation
// failures wrap it.
var ErrInvalidBlock = errors.New("invalid content block")

// Validator checks and normalizes multimodal blocks.
type Validator struct {
	maxBytes  int64
	maxPixels int64
}

// NewValidator builds a Validator; non-positive bounds fall back to the
// defaults.
func NewValidator(maxBytes, maxPixels int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Validator{maxBytes: maxBytes, maxPixels: maxPixels}
}

// Validate checks every block in place. Text blocks must carry text; image
// blocks must carry a decodable data URI within bounds. Images whose pixel
// count exceeds the bound but otherwise decode are downscaled and the block
// rewritten, not rejected.
func (v *Validator) Validate(blocks []models.ContentBlock) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: at least one block is required", ErrInvalidBlock)
	}
	for i := range blocks {
		if err := v.validateBlock(&blocks[i]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func (v *Validator) validateBlock(block *models.ContentBlock) error {
	switch block.Type {
	case models.BlockTypeText:
		if strings.TrimSpace(block.Text) == "" {
			return fmt.Errorf("%w: text block is empty", ErrInvalidBlock)
		}
		return nil
	case models.BlockTypeImageURL:
		if block.ImageURL == nil || block.ImageURL.URL == "" {
			return fmt.Errorf("%w: image block has no url", ErrInvalidBlock)
		}
		return v.validateImage(block)
	default:
		return fmt.Errorf("%w: unknown block type %q", ErrInvalidBlock, block.Type)
	}
}

func (v *Validator) validateImage(block *models.ContentBlock) error {
	declared, data, err := parseDataURI(block.ImageURL.URL)
	if err != nil {
		return err
	}
	if int64(len(data)) > v.maxBytes {
		return fmt.Errorf("%w: image is %d bytes (limit %d)", ErrInvalidBlock, len(data), v.maxBytes)
	}

	detected := mimetype.Detect(data)
	if topLevel(declared) != topLevel(detected.String()) {
		return fmt.Errorf("%w: declared type %s does not match detected %s",
			ErrInvalidBlock, declared, detected.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: undecodable image: %v", ErrInvalidBlock, err)
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if pixels <= v.maxPixels {
		return nil
	}

	// Oversized but valid: downscale instead of rejecting.
	scaled, err := v.downscale(data, cfg)
	if err != nil {
		return fmt.Errorf("%w: image is %d pixels (limit %d) and could not be downscaled: %v",
			ErrInvalidBlock, pixels, v.maxPixels, err)
	}
	block.ImageURL.URL = "data:image/png;base64," + base64.StdEncoding.EncodeToString(scaled)
	return nil
}

// downscale shrinks the image so width*height fits the pixel bound,
// preserving aspect ratio, and re-encodes as PNG.
func (v *Validator) downscale(data []byte, cfg image.Config) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	ratio := float64(v.maxPixels) / (float64(cfg.Width) * float64(cfg.Height))
	scale := math.Sqrt(ratio)
	w := int(float64(cfg.Width) * scale)
	h := int(float64(cfg.Height) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseDataURI splits data:<mime>;base64,<payload> and decodes the payload.
func parseDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: image url must be a data URI", ErrInvalidBlock)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data URI", ErrInvalidBlock)
	}
	mime, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" {
		return "", nil, fmt.Errorf("%w: data URI must be base64-encoded", ErrInvalidBlock)
	}
	if !strings.HasPrefix(mime, "image/") {
		return "", nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalidBlock, mime)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad base64 payload: %v", ErrInvalidBlock, err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty payload", ErrInvalidBlock)
	}
	return mime, data, nil
}

func topLevel(mime string) string {
	top, _, _ := strings.Cut(mime, "/")
	return top
}
