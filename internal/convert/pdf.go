package convert

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/gen2brain/go-fitz"

	"mediabot/internal/domain"
)

// Document is an opened, page-addressable PDF.
type Document interface {
	NumPage() int
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Rasterizer opens PDF bytes.
type Rasterizer interface {
	Open(data []byte) (Document, error)
}

// MuPDF rasterizes with go-fitz.
type MuPDF struct{}

func (MuPDF) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return doc, nil
}

type PDFConfig struct {
	Loader     Loader
	Rasterizer Rasterizer
	Watermark  string
	FontSize   int
	DPI        float64
	Logger     *slog.Logger
}

// PDF renders every page to a watermarked PNG named page_<n>.png.
type PDF struct {
	loader    Loader
	raster    Rasterizer
	watermark string
	fontSize  int
	dpi       float64
	logger    *slog.Logger
}

func NewPDF(cfg PDFConfig) *PDF {
	c := &PDF{
		loader:    cfg.Loader,
		raster:    cfg.Rasterizer,
		watermark: cfg.Watermark,
		fontSize:  cfg.FontSize,
		dpi:       cfg.DPI,
		logger:    cfg.Logger,
	}
	if c.raster == nil {
		c.raster = MuPDF{}
	}
	if c.fontSize <= 0 {
		c.fontSize = 24
	}
	if c.dpi <= 0 {
		c.dpi = 72
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *PDF) Convert(ctx context.Context, item domain.ContentItem, progress domain.ProgressFunc) (*domain.Result, error) {
	data, err := c.loader.Load(ctx, item)
	if err != nil {
		return nil, err
	}

	doc, err := c.raster.Open(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	n := doc.NumPage()
	c.logger.Info("rasterizing pdf", "name", item.Name, "pages", n)

	res := &domain.Result{ThreadName: item.Name}
	scale := c.dpi / 72
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progress, "Converting page %d of %d...", i+1, n)

		img, err := doc.ImageDPI(i, c.dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		if err := StampFooter(img, c.watermark, float64(c.fontSize)*scale); err != nil {
			return nil, fmt.Errorf("watermark page %d: %w", i+1, err)
		}
		png, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, domain.Artifact{
			Ordinal:  i + 1,
			Filename: fmt.Sprintf("page_%d.png", i+1),
			Data:     png,
		})
	}
	return res, nil
}
