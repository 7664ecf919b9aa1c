package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync"

	"github.com/mitchellh/go-wordwrap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	fontOnce sync.Once
	fontTTF  *opentype.Font
	fontErr  error
)

func regularFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		fontTTF, fontErr = opentype.Parse(goregular.TTF)
	})
	return fontTTF, fontErr
}

func newFace(size float64) (font.Face, error) {
	f, err := regularFont()
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("new face: %w", err)
	}
	return face, nil
}

// drawCentered draws text horizontally centered with its baseline at y.
func drawCentered(dst draw.Image, face font.Face, text string, y int, c color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(text).Ceil()
	x := (dst.Bounds().Dx() - width) / 2
	if x < 0 {
		x = 0
	}
	d.Dot = fixed.P(dst.Bounds().Min.X+x, y)
	d.DrawString(text)
}

// StampFooter draws a gray watermark centered 20px above the bottom edge.
func StampFooter(img draw.Image, text string, size float64) error {
	if text == "" {
		return nil
	}
	face, err := newFace(size)
	if err != nil {
		return err
	}
	defer face.Close()
	drawCentered(img, face, text, img.Bounds().Max.Y-20, color.RGBA{128, 128, 128, 255})
	return nil
}

// TextPage describes how RenderText lays out a page of text.
type TextPage struct {
	Width     int
	FontSize  int
	Margin    int
	Watermark string
	Opacity   float64 // watermark opacity, 0..1
}

// RenderText renders paragraphs separated by newlines onto a white page as
// tall as the wrapped text needs, with a large gray watermark in the middle.
func RenderText(text string, p TextPage) (*image.RGBA, error) {
	face, err := newFace(float64(p.FontSize))
	if err != nil {
		return nil, err
	}
	defer face.Close()

	lines := fitLines(face, text, p.Width-2*p.Margin)
	lineHeight := p.FontSize + 4
	height := len(lines)*lineHeight + p.Margin*2
	if height < p.Margin*2+lineHeight {
		height = p.Margin*2 + lineHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, p.Width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.Black, Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	y := p.Margin
	for _, line := range lines {
		d.Dot = fixed.P(p.Margin, y+ascent)
		d.DrawString(line)
		y += lineHeight
	}

	if p.Watermark != "" {
		wm, err := newFace(float64(p.FontSize * 2))
		if err != nil {
			return nil, err
		}
		defer wm.Close()
		gray := uint8(200*(1-p.Opacity) + 55)
		mid := height/2 + wm.Metrics().Ascent.Ceil()/2
		drawCentered(img, wm, p.Watermark, mid, color.RGBA{gray, gray, gray, 255})
	}
	return img, nil
}

const advanceSample = "the quick brown fox jumps over the lazy dog THE QUICK BROWN FOX 0123456789"

// textColumns estimates how many characters of face fit in avail pixels.
func textColumns(face font.Face, avail int) int {
	adv := font.MeasureString(face, advanceSample).Ceil()
	if adv <= 0 || avail <= 0 {
		return 1
	}
	if cols := avail * len(advanceSample) / adv; cols > 0 {
		return cols
	}
	return 1
}

// fitLines wraps text so that every line with a break point fits in avail
// pixels. A single word wider than avail stays on its own line.
func fitLines(face font.Face, text string, avail int) []string {
	cols := textColumns(face, avail)
	for {
		lines := WrapLines(text, cols)
		if cols <= 1 || widestBreakable(face, lines) <= avail {
			return lines
		}
		cols -= cols/10 + 1
	}
}

func widestBreakable(face font.Face, lines []string) int {
	widest := 0
	for _, l := range lines {
		if !strings.Contains(strings.TrimSpace(l), " ") {
			continue
		}
		if w := font.MeasureString(face, l).Ceil(); w > widest {
			widest = w
		}
	}
	return widest
}

// WrapLines wraps each non-blank paragraph to width columns and separates
// paragraphs with one empty line.
func WrapLines(text string, width int) []string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		lines = append(lines, strings.Split(wordwrap.WrapString(para, uint(width)), "\n")...)
		lines = append(lines, "")
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
