package extract

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// extractImage validates the image by fully decoding it, downscales so the
// longest edge fits maxImageEdge, and re-encodes into a base64 payload the
// chat providers accept inline.
func (d *Dispatcher) extractImage(path, fileName string) *Result {
	f, err := os.Open(path)
	if err != nil {
		return failed(CategoryImage, fmt.Sprintf("image %q could not be opened: %v", fileName, err))
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return failed(CategoryImage, fmt.Sprintf("image %q could not be decoded and may be corrupt", fileName))
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if longest := max(width, height); longest > d.limits.MaxImageEdge {
		scale := float64(d.limits.MaxImageEdge) / float64(longest)
		width = int(float64(width) * scale)
		height = int(float64(height) * scale)
		if width < 1 {
			width = 1
		}
		if height < 1 {
			height = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	mimeType, encoded, err := encodeImage(img, format)
	if err != nil {
		return failed(CategoryImage, fmt.Sprintf("image %q could not be re-encoded: %v", fileName, err))
	}

	return &Result{
		Category: CategoryImage,
		Status:   StatusOK,
		Image: &ImagePayload{
			MIMEType: mimeType,
			Base64:   base64.StdEncoding.EncodeToString(encoded),
			Width:    width,
			Height:   height,
		},
	}
}

// encodeImage keeps PNG sources lossless and converts everything else to a
// quality-85 JPEG, which is small enough to embed and close enough to the
// original for vision models.
func encodeImage(img image.Image, sourceFormat string) (string, []byte, error) {
	var buf bytes.Buffer
	if sourceFormat == "png" {
		if err := png.Encode(&buf, img); err != nil {
			return "", nil, err
		}
		return "image/png", buf.Bytes(), nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", nil, err
	}
	return "image/jpeg", buf.Bytes(), nil
}

// DataURL renders the payload in the data-URI form stored alongside the
// attachment and consumed by prompt assembly.
func (p *ImagePayload) DataURL() string {
	return "data:" + p.MIMEType + ";base64," + p.Base64
}
