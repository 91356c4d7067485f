package render

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanvasForPageSizesToMediaBox(t *testing.T) {
	m := NewCanvasManager()
	doc := &fakeDocument{pages: 3}

	c, err := CanvasForPage(m, doc, 1)
	require.NoError(t, err)
	// 612x792pt at 2x scale plus the margin frame.
	assert.Equal(t, 612*2+2*pageMargin, c.Width())
	assert.Equal(t, 792*2+2*pageMargin, c.Height())

	_, err = CanvasForPage(m, doc, 9)
	require.Error(t, err)
	assert.Equal(t, KindInvalidPDF, Classify(err))
}

func TestRenderPageProducesDecodablePNG(t *testing.T) {
	m := NewCanvasManager()
	doc := &fakeDocument{pages: 1}

	c, err := CanvasForPage(m, doc, 1)
	require.NoError(t, err)
	require.NoError(t, RenderPage(c, doc, 1, RenderOptions{Watermark: "PREVIEW"}))

	data, err := EncodePNG(c)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, c.Width(), img.Bounds().Dx())
	assert.Equal(t, c.Height(), img.Bounds().Dy())
}

func TestRenderPageSurfacesContextLoss(t *testing.T) {
	m := NewCanvasManager()
	doc := &fakeDocument{pages: 1}

	c, err := CanvasForPage(m, doc, 1)
	require.NoError(t, err)
	c.Context().release()

	err = RenderPage(c, doc, 1, RenderOptions{})
	require.Error(t, err)
	assert.Equal(t, KindCanvas, Classify(err))
}

func TestRenderPageLeavesContextStateBalanced(t *testing.T) {
	m := NewCanvasManager()
	doc := &fakeDocument{pages: 1}

	c, err := CanvasForPage(m, doc, 1)
	require.NoError(t, err)
	require.NoError(t, RenderPage(c, doc, 1, RenderOptions{}))
	assert.Empty(t, c.Context().stack)
}
