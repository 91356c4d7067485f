package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// ContextLostError signals a corrupted or released 2D drawing context.
type ContextLostError struct {
	Op string
}

func (e *ContextLostError) Error() string {
	return fmt.Sprintf("canvas context lost during %s", e.Op)
}

type drawState struct {
	fill  color.Color
	alpha float64
}

// Context2D is a minimal 2D drawing context over an RGBA raster: a fill state with a
// save/restore stack. State operations fail with ContextLostError once the backing
// surface has been released, which is what the validation probe detects.
type Context2D struct {
	img   *image.RGBA
	state drawState
	stack []drawState
	lost  bool
}

func newContext2D(img *image.RGBA) *Context2D {
	return &Context2D{img: img, state: drawState{fill: color.White, alpha: 1}}
}

func (c *Context2D) Save() error {
	if c.lost {
		return &ContextLostError{Op: "save"}
	}
	c.stack = append(c.stack, c.state)
	return nil
}

func (c *Context2D) Restore() error {
	if c.lost {
		return &ContextLostError{Op: "restore"}
	}
	if n := len(c.stack); n > 0 {
		c.state = c.stack[n-1]
		c.stack = c.stack[:n-1]
	}
	return nil
}

func (c *Context2D) SetFill(col color.Color) {
	c.state.fill = col
}

// FillRect fills the given rectangle with the current fill color.
func (c *Context2D) FillRect(x, y, w, h int) error {
	if c.lost {
		return &ContextLostError{Op: "fillRect"}
	}
	r := image.Rect(x, y, x+w, y+h).Intersect(c.img.Bounds())
	draw.Draw(c.img, r, &image.Uniform{C: c.state.fill}, image.Point{}, draw.Over)
	return nil
}

// release marks the context unusable. Further state operations error.
func (c *Context2D) release() {
	c.lost = true
}

// Canvas is a fixed-size drawing surface with its 2D context.
type Canvas struct {
	width  int
	height int
	img    *image.RGBA
	ctx    *Context2D
}

func (c *Canvas) Width() int          { return c.width }
func (c *Canvas) Height() int         { return c.height }
func (c *Canvas) Image() *image.RGBA  { return c.img }
func (c *Canvas) Context() *Context2D { return c.ctx }

// CanvasManager allocates and validates drawing surfaces. The context factory is
// swappable so allocation failure paths can be exercised in tests.
type CanvasManager struct {
	mu         sync.Mutex
	surfaces   []*Canvas
	newContext func(*image.RGBA) *Context2D
}

func NewCanvasManager() *CanvasManager {
	return &CanvasManager{newContext: newContext2D}
}

// CreateCanvas allocates a surface of the given pixel dimensions and acquires its 2D
// context. A surface without a context is never returned: if the context cannot be
// obtained the call fails outright.
func (m *CanvasManager) CreateCanvas(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, &RenderError{
			Kind:    KindCanvas,
			Stage:   StageRendering,
			Message: fmt.Sprintf("invalid canvas dimensions %dx%d", width, height),
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	ctx := m.newContext(img)
	if ctx == nil {
		return nil, &RenderError{
			Kind:    KindCanvas,
			Stage:   StageRendering,
			Message: "failed to acquire 2d context",
		}
	}
	c := &Canvas{width: width, height: height, img: img, ctx: ctx}
	m.mu.Lock()
	m.surfaces = append(m.surfaces, c)
	m.mu.Unlock()
	return c, nil
}

// GetContext returns the surface's context, re-requesting one if it was never set.
func (m *CanvasManager) GetContext(c *Canvas) *Context2D {
	if c.ctx == nil {
		c.ctx = m.newContext(c.img)
	}
	return c.ctx
}

// ValidateAndRecreateCanvas probes the surface's context with a save/restore pair. If
// the probe passes, the same canvas is returned so callers can rely on reference
// equality to detect that no recreation happened. If the probe fails, a new canvas of
// identical dimensions replaces it.
func (m *CanvasManager) ValidateAndRecreateCanvas(c *Canvas) (*Canvas, error) {
	if c == nil {
		return nil, &RenderError{Kind: KindCanvas, Stage: StageRendering, Message: "no canvas to validate"}
	}
	ctx := m.GetContext(c)
	if ctx != nil {
		if err := ctx.Save(); err == nil {
			if err := ctx.Restore(); err == nil {
				return c, nil
			}
		}
	}
	return m.CreateCanvas(c.width, c.height)
}

// Cleanup releases all tracked surfaces. Contexts belonging to released surfaces
// report themselves lost afterwards.
func (m *CanvasManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.surfaces {
		if c.ctx != nil {
			c.ctx.release()
		}
	}
	m.surfaces = nil
}
