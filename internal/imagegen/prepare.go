package imagegen

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// MaxSourceDimension bounds the longer edge of an uploaded photo before it
// is sent to the provider.
const MaxSourceDimension = 2048

var allowedExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

var allowedMime = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
}

// ErrUnsupportedImage is returned for uploads that are not a photo format
// we can decode.
var ErrUnsupportedImage = errors.New("imagegen: unsupported image")

// SniffImage checks the extension and the detected content type. HTML and
// SVG/XML are refused whatever the extension says.
func SniffImage(filename string, head []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	detected := http.DetectContentType(head)

	if strings.HasPrefix(detected, "text/html") || strings.HasPrefix(detected, "application/xhtml") {
		return "", fmt.Errorf("%w: HTML content is not allowed", ErrUnsupportedImage)
	}
	if strings.HasPrefix(detected, "text/xml") || strings.HasPrefix(detected, "application/xml") || detected == "image/svg+xml" {
		return "", fmt.Errorf("%w: SVG/XML is not allowed", ErrUnsupportedImage)
	}

	if allowedMime[detected] {
		return detected, nil
	}
	// Some encoders produce headers DetectContentType does not know; the
	// decoder gets the final word.
	if detected == "application/octet-stream" && allowedExt[ext] {
		return detected, nil
	}
	return "", fmt.Errorf("%w: only JPG, PNG, GIF and BMP photos are supported", ErrUnsupportedImage)
}

// PrepareSource validates one uploaded photo and re-encodes it as PNG,
// applying EXIF orientation and shrinking it to fit MaxSourceDimension.
func PrepareSource(filename string, data []byte) (SourceImage, error) {
	if len(data) == 0 {
		return SourceImage{}, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}
	if _, err := SniffImage(filename, data); err != nil {
		return SourceImage{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return SourceImage{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	b := img.Bounds()
	if b.Dx() > MaxSourceDimension || b.Dy() > MaxSourceDimension {
		img = imaging.Fit(img, MaxSourceDimension, MaxSourceDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return SourceImage{}, fmt.Errorf("imagegen: encoding png: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if name == "" || name == "." || name == "/" {
		name = "photo"
	}
	return SourceImage{Name: name + ".png", Data: buf.Bytes()}, nil
}
