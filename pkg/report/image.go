package report

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

const (
	emuPerInch = 914400
	// PictureWidth is the fixed display width of embedded images (4in).
	PictureWidth int64 = 4 * emuPerInch
)

var errEmptyImage = errors.New("empty image data")

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodePicture decodes a data URI or bare base64 string into a picture
// scaled to PictureWidth.
func decodePicture(raw string) (Picture, error) {
	payload := strings.TrimSpace(raw)
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	payload = strings.Join(strings.Fields(payload), "")
	if payload == "" {
		return Picture{}, errEmptyImage
	}

	var data []byte
	var err error
	for _, enc := range base64Encodings {
		data, err = enc.DecodeString(payload)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Picture{}, fmt.Errorf("decode base64: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Picture{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Picture{}, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	height := PictureWidth * int64(cfg.Height) / int64(cfg.Width)
	if height < 1 {
		height = 1
	}
	return Picture{Data: data, Format: format, Width: PictureWidth, Height: height}, nil
}
