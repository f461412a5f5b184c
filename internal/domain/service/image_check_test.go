package service

import (
	"testing"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
)

var (
	pngBytes  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D}
	jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	gifBytes  = []byte("GIF89a\x01\x00\x01\x00")
	webpBytes = []byte("RIFF\x24\x00\x00\x00WEBPVP8 ")
	bmpBytes  = []byte("BM\x3a\x00\x00\x00")
	icoBytes  = []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00}
	svgBytes  = []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want ImageFormat
	}{
		{"png", pngBytes, FormatPNG},
		{"jpeg", jpegBytes, FormatJPEG},
		{"gif87a", []byte("GIF87a\x01\x00"), FormatGIF},
		{"gif89a", gifBytes, FormatGIF},
		{"webp", webpBytes, FormatWebP},
		{"bmp", bmpBytes, FormatBMP},
		{"ico", icoBytes, FormatICO},
		{"svg", svgBytes, FormatSVG},
		{"svg with xml prolog", []byte("<?xml version=\"1.0\"?><svg/>"), FormatSVG},
		{"svg with bom and whitespace", append([]byte{0xEF, 0xBB, 0xBF, '\n', ' '}, svgBytes...), FormatSVG},
		{"html", []byte("<!DOCTYPE html><html>"), ""},
		{"riff but not webp", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), ""},
		{"empty", nil, ""},
		{"truncated png magic", []byte{0x89, 'P', 'N'}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.want {
				t.Errorf("DetectFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckImageContentAccepts(t *testing.T) {
	tests := []struct {
		declared string
		body     []byte
		want     string
	}{
		{"image/png", pngBytes, "image/png"},
		{"image/jpeg", jpegBytes, "image/jpeg"},
		{"image/jpg", jpegBytes, "image/jpeg"},
		{"image/png; charset=binary", pngBytes, "image/png"},
		{"IMAGE/GIF", gifBytes, "image/gif"},
		{"image/x-ms-bmp", bmpBytes, "image/bmp"},
		{"image/vnd.microsoft.icon", icoBytes, "image/x-icon"},
		{"image/svg+xml; charset=utf-8", svgBytes, "image/svg+xml"},
	}
	for _, tt := range tests {
		got, perr := CheckImageContent(tt.declared, tt.body)
		if perr != nil {
			t.Errorf("CheckImageContent(%q) rejected: %v", tt.declared, perr)
			continue
		}
		if got != tt.want {
			t.Errorf("CheckImageContent(%q) = %q, want %q", tt.declared, got, tt.want)
		}
	}
}

func TestCheckImageContentRejects(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		body     []byte
	}{
		{"empty body", "image/png", nil},
		{"non-image declared type", "text/html", []byte("<html>")},
		{"html disguised as png", "image/png", []byte("<!DOCTYPE html>")},
		{"type and magic disagree", "image/png", jpegBytes},
		{"unknown image subtype", "image/tiff", []byte("II*\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := CheckImageContent(tt.declared, tt.body)
			if perr == nil {
				t.Fatal("CheckImageContent accepted, want rejection")
			}
			if perr.Kind != model.ErrContentRejected {
				t.Errorf("kind = %s, want %s", perr.Kind, model.ErrContentRejected)
			}
		})
	}
}
