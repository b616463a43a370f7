package credential

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"
)

// Renderer turns a token into image bytes suitable for embedding.
type Renderer interface {
	Render(token string) ([]byte, error)
}

var (
	frameTop    = color.NRGBA{R: 0, G: 32, B: 96, A: 255}
	frameBottom = color.NRGBA{R: 0, G: 154, B: 68, A: 255}
)

// QRRenderer draws a QR code inside a vertical blue to green frame and
// encodes it as PNG. Output size depends only on the token length.
type QRRenderer struct {
	ModulePixels int
	Frame        int
	Level        qrcode.RecoveryLevel
}

// NewQRRenderer returns the renderer used for primary and companion codes.
func NewQRRenderer() *QRRenderer {
	return &QRRenderer{ModulePixels: 10, Frame: 20, Level: qrcode.Medium}
}

// Render implements Renderer.
func (r *QRRenderer) Render(token string) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("render: empty token")
	}
	code, err := qrcode.New(token, r.Level)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	qr := code.Image(-r.ModulePixels)

	bounds := qr.Bounds()
	w, h := bounds.Dx()+2*r.Frame, bounds.Dy()+2*r.Frame
	framed := imaging.Paste(gradient(w, h), qr, image.Pt(r.Frame, r.Frame))

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, framed, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func gradient(w, h int) *image.NRGBA {
	img := imaging.New(w, h, frameTop)
	for y := 0; y < h; y++ {
		ratio := float64(y) / float64(h)
		c := color.NRGBA{
			R: blend(frameTop.R, frameBottom.R, ratio),
			G: blend(frameTop.G, frameBottom.G, ratio),
			B: blend(frameTop.B, frameBottom.B, ratio),
			A: 255,
		}
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func blend(a, b uint8, ratio float64) uint8 {
	return uint8(float64(a)*(1-ratio) + float64(b)*ratio)
}
