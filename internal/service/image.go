package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/timmy/nutrify/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// maxPixels bounds decoded image area so a small file cannot expand into
// an enormous bitmap.
const maxPixels = 40_000_000

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ImageConfig holds limits for the image preprocessor.
type ImageConfig struct {
	MaxBytes     int64
	MaxDimension int
	JPEGQuality  int
}

// ImagePreprocessor validates uploads and bounds their outbound size.
type ImagePreprocessor struct {
	cfg ImageConfig
}

// NewImagePreprocessor creates a preprocessor. Zero fields fall back to
// 10 MiB, 1568 px and quality 85.
func NewImagePreprocessor(cfg ImageConfig) *ImagePreprocessor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 1568
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	return &ImagePreprocessor{cfg: cfg}
}

// MaxBytes returns the configured upload ceiling.
func (p *ImagePreprocessor) MaxBytes() int64 {
	return p.cfg.MaxBytes
}

// Prepare validates raw image bytes and returns an asset ready for the
// model. The format is sniffed from content; declaredMIME is recorded but
// never trusted. Images larger than the configured dimension, and all WebP
// images, are re-encoded as JPEG.
// Parameters:
//   - raw: uploaded bytes.
//   - declaredMIME: client-supplied content type, may be empty.
//
// Returns:
//   - *domain.ImageAsset: validated asset.
//   - error: *domain.Error of kind validation.too_large or validation.unsupported_format.
func (p *ImagePreprocessor) Prepare(raw []byte, declaredMIME string) (*domain.ImageAsset, error) {
	if int64(len(raw)) > p.cfg.MaxBytes {
		return nil, domain.Errorf(domain.KindTooLarge,
			"image is %d bytes, limit is %d", len(raw), p.cfg.MaxBytes)
	}
	if len(raw) == 0 {
		return nil, domain.Errorf(domain.KindUnsupportedFormat, "image is empty")
	}

	sniffed := mimetype.Detect(raw).String()
	if !supportedImageTypes[sniffed] {
		return nil, domain.Errorf(domain.KindUnsupportedFormat,
			"content is %s, expected jpeg, png or webp", sniffed)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewError(domain.KindUnsupportedFormat, "image header cannot be decoded", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, domain.Errorf(domain.KindUnsupportedFormat, "image has no pixels")
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, domain.Errorf(domain.KindTooLarge,
			"image is %dx%d pixels, limit is %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	asset := &domain.ImageAsset{
		Data:         raw,
		MIMEType:     sniffed,
		DeclaredMIME: declaredMIME,
		Size:         int64(len(raw)),
		Width:        cfg.Width,
		Height:       cfg.Height,
	}

	if longestSide(cfg.Width, cfg.Height) > p.cfg.MaxDimension || sniffed == "image/webp" {
		if err := p.reencode(asset); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(asset.Data)
	asset.SHA256 = hex.EncodeToString(sum[:])
	return asset, nil
}

// reencode scales the asset down to MaxDimension on its longest side and
// writes it back as JPEG on a white background.
func (p *ImagePreprocessor) reencode(asset *domain.ImageAsset) error {
	src, _, err := image.Decode(bytes.NewReader(asset.Data))
	if err != nil {
		return domain.NewError(domain.KindUnsupportedFormat, "image body cannot be decoded", err)
	}

	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), p.cfg.MaxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := writeJPEG(&buf, dst, p.cfg.JPEGQuality); err != nil {
		return err
	}

	asset.Data = buf.Bytes()
	asset.MIMEType = "image/jpeg"
	asset.Size = int64(buf.Len())
	asset.Width = w
	asset.Height = h
	asset.Resized = true
	return nil
}

// writeJPEG writes img as JPEG. Failures are local faults, never the
// uploader's or the model's.
func writeJPEG(w io.Writer, img image.Image, quality int) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return domain.NewError(domain.KindInternal, "failed to encode image", err)
	}
	return nil
}

func longestSide(w, h int) int {
	if w > h {
		return w
	}
	return h
}

// fitWithin scales (w, h) so the longest side is at most limit, keeping
// the aspect ratio. Sizes already within the limit are returned unchanged.
func fitWithin(w, h, limit int) (int, int) {
	longest := longestSide(w, h)
	if longest <= limit {
		return w, h
	}
	nw := w * limit / longest
	nh := h * limit / longest
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
