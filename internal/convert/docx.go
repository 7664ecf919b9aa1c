package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	docx "github.com/fumiama/go-docx"

	"mediabot/internal/domain"
)

const (
	tableStart = "TABLE START"
	tableEnd   = "TABLE END"
)

// ExtractBlocks returns the non-blank paragraphs and tables of a .docx in
// body order. Table rows are rendered as cells joined by " | " and wrapped in
// TABLE START / TABLE END markers. Content controls are transparent: their
// paragraphs appear where the control sits.
func ExtractBlocks(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, errors.New("open docx: word/document.xml missing")
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	// docx.Body drops <w:sdt>, so the body is walked here and only the
	// paragraph and table elements are handed to the docx types.
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "body" {
			blocks, err := readBlocks(dec)
			if err != nil {
				return nil, fmt.Errorf("parse document.xml: %w", err)
			}
			return blocks, nil
		}
	}
}

// readBlocks collects blocks until the enclosing element ends.
func readBlocks(dec *xml.Decoder) ([]string, error) {
	var blocks []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				var p docx.Paragraph
				if err := dec.DecodeElement(&p, &t); err != nil {
					return nil, err
				}
				if text := paragraphText(&p); strings.TrimSpace(text) != "" {
					blocks = append(blocks, text)
				}
			case "tbl":
				var tbl docx.Table
				if err := dec.DecodeElement(&tbl, &t); err != nil {
					return nil, err
				}
				if rows := tableRows(&tbl); len(rows) > 0 {
					blocks = append(blocks, tableStart, strings.Join(rows, "\n"), tableEnd)
				}
			case "sdt", "sdtContent":
				inner, err := readBlocks(dec)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, inner...)
			default:
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			return blocks, nil
		}
	}
}

func paragraphText(p *docx.Paragraph) string {
	var b strings.Builder
	for _, child := range p.Children {
		switch c := child.(type) {
		case *docx.Run:
			writeRun(&b, c)
		case *docx.Hyperlink:
			writeRun(&b, &c.Run)
		}
	}
	return b.String()
}

func writeRun(b *strings.Builder, r *docx.Run) {
	for _, child := range r.Children {
		switch c := child.(type) {
		case *docx.Text:
			b.WriteString(c.Text)
		case *docx.Tab:
			b.WriteByte('\t')
		case *docx.BarterRabbet:
			b.WriteByte('\n')
		}
	}
}

// tableRows returns the table's non-blank rows.
func tableRows(tbl *docx.Table) []string {
	var rows []string
	for _, tr := range tbl.TableRows {
		cells := make([]string, 0, len(tr.TableCells))
		blank := true
		for _, tc := range tr.TableCells {
			cell := cellText(tc)
			if strings.TrimSpace(cell) != "" {
				blank = false
			}
			cells = append(cells, cell)
		}
		if !blank {
			rows = append(rows, strings.Join(cells, " | "))
		}
	}
	return rows
}

func cellText(tc *docx.WTableCell) string {
	var parts []string
	for _, p := range tc.Paragraphs {
		parts = append(parts, paragraphText(p))
	}
	for _, nested := range tc.Tables {
		parts = append(parts, tableRows(nested)...)
	}
	return strings.Join(parts, "\n")
}

// Paginate groups blocks into pages of at most limit characters, joined by
// blank lines. A single block longer than limit gets a page of its own.
func Paginate(blocks []string, limit int) []string {
	var (
		pages   []string
		current []string
		length  int
	)
	for _, blk := range blocks {
		n := utf8.RuneCountInString(blk)
		if length+n > limit && len(current) > 0 {
			pages = append(pages, strings.Join(current, "\n\n"))
			current, length = nil, 0
		}
		current = append(current, blk)
		length += n
	}
	if len(current) > 0 {
		pages = append(pages, strings.Join(current, "\n\n"))
	}
	return pages
}

type DOCXConfig struct {
	Loader    Loader
	Page      TextPage
	PageChars int
	Logger    *slog.Logger
}

// DOCX renders the document text to PNG pages named page_<n>.png.
type DOCX struct {
	loader    Loader
	page      TextPage
	pageChars int
	logger    *slog.Logger
}

func NewDOCX(cfg DOCXConfig) *DOCX {
	c := &DOCX{loader: cfg.Loader, page: cfg.Page, pageChars: cfg.PageChars, logger: cfg.Logger}
	if c.pageChars <= 0 {
		c.pageChars = 3000
	}
	if c.page.Width <= 0 {
		c.page.Width = 1024
	}
	if c.page.FontSize <= 0 {
		c.page.FontSize = 16
	}
	if c.page.Margin <= 0 {
		c.page.Margin = 20
	}
	if c.page.Opacity == 0 {
		c.page.Opacity = 0.3
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *DOCX) Convert(ctx context.Context, item domain.ContentItem, progress domain.ProgressFunc) (*domain.Result, error) {
	data, err := c.loader.Load(ctx, item)
	if err != nil {
		return nil, err
	}
	blocks, err := ExtractBlocks(data)
	if err != nil {
		return nil, err
	}
	pages := Paginate(blocks, c.pageChars)
	c.logger.Info("rendering docx", "name", item.Name, "blocks", len(blocks), "pages", len(pages))

	res := &domain.Result{ThreadName: item.Name}
	for i, text := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progress, "Rendering page %d of %d...", i+1, len(pages))
		img, err := RenderText(text, c.page)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
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
