package render

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Document is a parsed PDF handle.
type Document interface {
	NumPages() int
	// PageDimensions returns the media box width and height in points for a 1-based
	// page number.
	PageDimensions(page int) (float64, float64, error)
	// ExtractPage returns a standalone single-page PDF for a 1-based page number.
	ExtractPage(page int) ([]byte, error)
	Destroy()
}

// Engine turns fetched bytes into a Document.
type Engine interface {
	Load(ctx context.Context, data []byte) (Document, error)
}

// pdfcpuEngine is the default engine, backed by pdfcpu with relaxed validation.
type pdfcpuEngine struct {
	conf *model.Configuration
}

// NewEngine returns the pdfcpu-backed engine.
func NewEngine() Engine {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &pdfcpuEngine{conf: conf}
}

func (e *pdfcpuEngine) Load(_ context.Context, data []byte) (Document, error) {
	pdfCtx, err := api.ReadContext(bytes.NewReader(data), e.conf)
	if err != nil {
		return nil, &RenderError{
			Kind:    KindInvalidPDF,
			Stage:   StageParsing,
			Message: "failed to read PDF structure",
			Err:     err,
		}
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return nil, &RenderError{
			Kind:    KindInvalidPDF,
			Stage:   StageParsing,
			Message: "PDF failed validation",
			Err:     err,
		}
	}
	dims, err := pdfCtx.PageDims()
	if err != nil {
		return nil, &RenderError{
			Kind:    KindInvalidPDF,
			Stage:   StageParsing,
			Message: "failed to resolve page dimensions",
			Err:     err,
		}
	}
	return &pdfcpuDocument{data: data, conf: e.conf, pages: pdfCtx.PageCount, dims: dims}, nil
}

type pdfcpuDocument struct {
	data  []byte
	conf  *model.Configuration
	pages int
	dims  []types.Dim
}

func (d *pdfcpuDocument) NumPages() int { return d.pages }

func (d *pdfcpuDocument) PageDimensions(page int) (float64, float64, error) {
	if page < 1 || page > len(d.dims) {
		return 0, 0, fmt.Errorf("page %d out of range 1..%d", page, len(d.dims))
	}
	dim := d.dims[page-1]
	return dim.Width, dim.Height, nil
}

func (d *pdfcpuDocument) ExtractPage(page int) ([]byte, error) {
	if page < 1 || page > d.pages {
		return nil, fmt.Errorf("page %d out of range 1..%d", page, d.pages)
	}
	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(d.data), &buf, []string{strconv.Itoa(page)}, d.conf); err != nil {
		return nil, fmt.Errorf("failed to extract page %d: %w", page, err)
	}
	return buf.Bytes(), nil
}

// Destroy drops the retained byte buffer.
func (d *pdfcpuDocument) Destroy() {
	d.data = nil
	d.dims = nil
}
