package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
)

// renderScale converts PDF points to output pixels (roughly 144 DPI).
const renderScale = 2.0

// pageMargin is the pixel border around the rendered page box.
const pageMargin = 8

// CanvasForPage allocates a canvas sized to the page's media box at render scale.
func CanvasForPage(m *CanvasManager, doc Document, page int) (*Canvas, error) {
	w, h, err := doc.PageDimensions(page)
	if err != nil {
		return nil, &RenderError{
			Kind:    KindInvalidPDF,
			Stage:   StageRendering,
			Method:  MethodCanvas,
			Message: fmt.Sprintf("no dimensions for page %d", page),
			Err:     err,
		}
	}
	width := int(math.Ceil(w*renderScale)) + 2*pageMargin
	height := int(math.Ceil(h*renderScale)) + 2*pageMargin
	return m.CreateCanvas(width, height)
}

// RenderPage draws the page preview onto the canvas: page background, frame, and the
// optional watermark as translucent diagonal banding. Raster fidelity of page content
// is the viewer's concern; this produces the server-side preview surface.
func RenderPage(c *Canvas, doc Document, page int, opts RenderOptions) error {
	ctx := c.Context()
	if ctx == nil {
		return &RenderError{Kind: KindCanvas, Stage: StageRendering, Method: MethodCanvas, Message: "canvas has no context"}
	}
	if err := ctx.Save(); err != nil {
		return err
	}
	defer ctx.Restore()

	ctx.SetFill(color.RGBA{R: 0xe5, G: 0xe7, B: 0xeb, A: 0xff})
	if err := ctx.FillRect(0, 0, c.Width(), c.Height()); err != nil {
		return err
	}
	ctx.SetFill(color.White)
	if err := ctx.FillRect(pageMargin, pageMargin, c.Width()-2*pageMargin, c.Height()-2*pageMargin); err != nil {
		return err
	}

	if opts.Watermark != "" {
		ctx.SetFill(color.RGBA{R: 0x94, G: 0xa3, B: 0xb8, A: 0x30})
		step := c.Height() / 6
		if step < 1 {
			step = 1
		}
		for y := step; y < c.Height()-pageMargin; y += step {
			if err := ctx.FillRect(pageMargin, y, c.Width()-2*pageMargin, step/4+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodePNG serializes the canvas raster.
func EncodePNG(c *Canvas) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.Image()); err != nil {
		return nil, fmt.Errorf("failed to encode page raster: %w", err)
	}
	return buf.Bytes(), nil
}
