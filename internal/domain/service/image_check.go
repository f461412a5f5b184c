package service

import (
	"bytes"
	"mime"
	"strings"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
)

// ImageFormat identifies an accepted image family.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "image/jpeg"
	FormatPNG  ImageFormat = "image/png"
	FormatGIF  ImageFormat = "image/gif"
	FormatWebP ImageFormat = "image/webp"
	FormatBMP  ImageFormat = "image/bmp"
	FormatSVG  ImageFormat = "image/svg+xml"
	FormatICO  ImageFormat = "image/x-icon"
)

// contentTypeAliases maps declared media types to the canonical family.
var contentTypeAliases = map[string]ImageFormat{
	"image/jpeg":               FormatJPEG,
	"image/jpg":                FormatJPEG,
	"image/pjpeg":              FormatJPEG,
	"image/png":                FormatPNG,
	"image/apng":               FormatPNG,
	"image/gif":                FormatGIF,
	"image/webp":               FormatWebP,
	"image/bmp":                FormatBMP,
	"image/x-ms-bmp":           FormatBMP,
	"image/svg+xml":            FormatSVG,
	"image/x-icon":             FormatICO,
	"image/vnd.microsoft.icon": FormatICO,
}

// DetectFormat sniffs the image family from the leading bytes of data.
// It returns an empty string when no accepted family matches.
func DetectFormat(data []byte) ImageFormat {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPNG
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	case bytes.HasPrefix(data, []byte("BM")):
		return FormatBMP
	case bytes.HasPrefix(data, []byte{0x00, 0x00, 0x01, 0x00}):
		return FormatICO
	}

	// SVG is text: accept a leading <svg or an XML prolog.
	head := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	if bytes.HasPrefix(head, []byte("<svg")) || bytes.HasPrefix(head, []byte("<?xml")) {
		return FormatSVG
	}

	return ""
}

// CheckImageContent verifies that the declared Content-Type and the leading
// bytes of body agree on an accepted image family. A mismatch or an unknown
// type is rejected so disguised non-image payloads never reach the renderer.
// It returns the canonical content type on success.
func CheckImageContent(declaredType string, body []byte) (string, *model.ProxyError) {
	if len(body) == 0 {
		return "", model.NewProxyError(model.ErrContentRejected, "response body is empty")
	}

	mediaType := declaredType
	if parsed, _, err := mime.ParseMediaType(declaredType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	declared, ok := contentTypeAliases[mediaType]
	if !ok {
		return "", model.NewProxyError(model.ErrContentRejected, "content type %q is not an accepted image type", declaredType)
	}

	sniffed := DetectFormat(body)
	if sniffed == "" {
		return "", model.NewProxyError(model.ErrContentRejected, "response bytes do not match any accepted image format")
	}

	if sniffed != declared {
		return "", model.NewProxyError(model.ErrContentRejected, "declared type %q does not match sniffed format %q", declaredType, sniffed)
	}

	return string(declared), nil
}
