package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/image/font"

	"mediabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeReader struct {
	data map[string][]byte
	read []string
}

func (f *fakeReader) ReadAttachment(_ context.Context, att domain.Attachment) ([]byte, error) {
	f.read = append(f.read, att.Filename)
	d, ok := f.data[att.ID]
	if !ok {
		return nil, errors.New("no such attachment")
	}
	return d, nil
}

func fileItem(kind domain.ContentKind, name string, data []byte) (domain.ContentItem, *fakeReader) {
	att := domain.Attachment{ID: "att-1", Filename: name, Size: int64(len(data))}
	return domain.ContentItem{
		Kind:        kind,
		Attachments: []domain.Attachment{att},
		Name:        name,
		Size:        int64(len(data)),
	}, &fakeReader{data: map[string][]byte{"att-1": data}}
}

// --- Loader ---

func TestLoader_Attachment(t *testing.T) {
	item, r := fileItem(domain.KindPDF, "a.pdf", []byte("pdf"))
	data, err := Loader{Reader: r}.Load(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pdf" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestLoader_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	data, err := Loader{}.Load(context.Background(), domain.ContentItem{URL: srv.URL + "/v.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video-bytes" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestLoader_URLTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	_, err := Loader{MaxBytes: 16}.Load(context.Background(), domain.ContentItem{URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "larger than") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestLoader_URLStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := (Loader{}).Load(context.Background(), domain.ContentItem{URL: srv.URL}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestLoader_Nothing(t *testing.T) {
	if _, err := (Loader{}).Load(context.Background(), domain.ContentItem{}); err == nil {
		t.Fatal("expected error")
	}
}

// --- PDF ---

type fakeDoc struct {
	pages  int
	closed bool
}

func (d *fakeDoc) NumPage() int { return d.pages }

func (d *fakeDoc) ImageDPI(int, float64) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, 300, 200)), nil
}

func (d *fakeDoc) Close() error {
	d.closed = true
	return nil
}

type fakeRaster struct{ doc *fakeDoc }

func (f fakeRaster) Open([]byte) (Document, error) { return f.doc, nil }

func TestPDF_RendersEveryPage(t *testing.T) {
	doc := &fakeDoc{pages: 3}
	item, r := fileItem(domain.KindPDF, "report.pdf", []byte("%PDF"))
	c := NewPDF(PDFConfig{
		Loader:     Loader{Reader: r},
		Rasterizer: fakeRaster{doc: doc},
		Watermark:  "Confidential",
		Logger:     testLogger(),
	})

	var lines []string
	res, err := c.Convert(context.Background(), item, func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatal(err)
	}
	if !doc.closed {
		t.Fatal("document not closed")
	}
	if len(res.Artifacts) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(res.Artifacts))
	}
	for i, a := range res.Artifacts {
		if a.Ordinal != i+1 {
			t.Fatalf("artifact %d has ordinal %d", i, a.Ordinal)
		}
		cfg, err := png.DecodeConfig(bytes.NewReader(a.Data))
		if err != nil {
			t.Fatalf("page %d is not a png: %v", i+1, err)
		}
		if cfg.Width != 300 || cfg.Height != 200 {
			t.Fatalf("page %d is %dx%d", i+1, cfg.Width, cfg.Height)
		}
	}
	if res.Artifacts[2].Filename != "page_3.png" {
		t.Fatalf("unexpected filename %q", res.Artifacts[2].Filename)
	}
	if res.ThreadName != "report.pdf" {
		t.Fatalf("unexpected thread name %q", res.ThreadName)
	}
	if len(lines) != 3 || lines[0] != "Converting page 1 of 3..." {
		t.Fatalf("unexpected progress %v", lines)
	}
}

func TestPDF_CanceledStopsEarly(t *testing.T) {
	doc := &fakeDoc{pages: 5}
	item, r := fileItem(domain.KindPDF, "a.pdf", []byte("%PDF"))
	c := NewPDF(PDFConfig{Loader: Loader{Reader: r}, Rasterizer: fakeRaster{doc: doc}, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Convert(ctx, item, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Image batch ---

func TestImageBatch_SortedByFilename(t *testing.T) {
	r := &fakeReader{data: map[string][]byte{"1": []byte("c"), "2": []byte("a"), "3": []byte("b")}}
	item := domain.ContentItem{
		Kind: domain.KindImageBatch,
		Attachments: []domain.Attachment{
			{ID: "1", Filename: "c.png"},
			{ID: "2", Filename: "a.png"},
			{ID: "3", Filename: "b.jpg"},
		},
	}
	res, err := (&ImageBatch{Reader: r}).Convert(context.Background(), item, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, a := range res.Artifacts {
		names = append(names, a.Filename)
	}
	if !slices.Equal(names, []string{"a.png", "b.jpg", "c.png"}) {
		t.Fatalf("unexpected order %v", names)
	}
	if string(res.Artifacts[0].Data) != "a" || res.Artifacts[0].Ordinal != 1 {
		t.Fatalf("unexpected first artifact %+v", res.Artifacts[0])
	}
	if item.Attachments[0].Filename != "c.png" {
		t.Fatal("input attachments were reordered")
	}
}

// --- DOCX ---

const docXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>
<w:p></w:p>
<w:tbl>
<w:tblPr/>
<w:tr><w:tc><w:p><w:r><w:t>A</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>B</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p/></w:tc><w:tc><w:p><w:r><w:t> </w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>End</w:t></w:r></w:p>
<w:sectPr/>
</w:body>
</w:document>`

func buildDOCX(t *testing.T, document string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(document)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractBlocks_BodyOrder(t *testing.T) {
	blocks, err := ExtractBlocks(buildDOCX(t, docXML))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Hello world", "TABLE START", "A | B", "TABLE END", "End"}
	if !slices.Equal(blocks, want) {
		t.Fatalf("got %q, want %q", blocks, want)
	}
}

func TestExtractBlocks_ContentControls(t *testing.T) {
	doc := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Intro</w:t></w:r></w:p>
<w:sdt><w:sdtPr><w:alias w:val="Summary"/></w:sdtPr><w:sdtContent>
<w:p><w:r><w:t>Inside content control</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>k</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>v</w:t><w:tab/><w:t>2</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
</w:sdtContent></w:sdt>
<w:p><w:hyperlink><w:r><w:t>Linked outro</w:t></w:r></w:hyperlink></w:p>
</w:body></w:document>`
	blocks, err := ExtractBlocks(buildDOCX(t, doc))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Intro", "Inside content control", "TABLE START", "k | v\t2", "TABLE END", "Linked outro"}
	if !slices.Equal(blocks, want) {
		t.Fatalf("got %q, want %q", blocks, want)
	}
}

func TestExtractBlocks_NotADocx(t *testing.T) {
	if _, err := ExtractBlocks([]byte("plain text")); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractBlocks_MissingDocument(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.Create("other.xml")
	zw.Close()
	if _, err := ExtractBlocks(buf.Bytes()); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing document error, got %v", err)
	}
}

func TestPaginate(t *testing.T) {
	pages := Paginate([]string{"aaaa", "bbbb", "cc"}, 8)
	want := []string{"aaaa\n\nbbbb", "cc"}
	if !slices.Equal(pages, want) {
		t.Fatalf("got %q, want %q", pages, want)
	}
}

func TestPaginate_OversizedBlock(t *testing.T) {
	long := strings.Repeat("x", 20)
	pages := Paginate([]string{"a", long, "b"}, 8)
	if len(pages) != 3 || pages[1] != long {
		t.Fatalf("unexpected pages %q", pages)
	}
}

func TestPaginate_Empty(t *testing.T) {
	if pages := Paginate(nil, 10); len(pages) != 0 {
		t.Fatalf("expected no pages, got %q", pages)
	}
}

func TestDOCX_Convert(t *testing.T) {
	item, r := fileItem(domain.KindDOCX, "notes.docx", buildDOCX(t, docXML))
	c := NewDOCX(DOCXConfig{Loader: Loader{Reader: r}, Page: TextPage{Watermark: "GridZer0 Bot"}, Logger: testLogger()})

	res, err := c.Convert(context.Background(), item, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Filename != "page_1.png" {
		t.Fatalf("unexpected artifacts %+v", res.Artifacts)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(res.Artifacts[0].Data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 1024 {
		t.Fatalf("expected 1024 wide page, got %d", cfg.Width)
	}
}

func TestDOCX_EmptyDocument(t *testing.T) {
	doc := `<w:document xmlns:w="x"><w:body><w:p/></w:body></w:document>`
	item, r := fileItem(domain.KindDOCX, "empty.docx", buildDOCX(t, doc))
	res, err := NewDOCX(DOCXConfig{Loader: Loader{Reader: r}, Logger: testLogger()}).Convert(context.Background(), item, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %d", len(res.Artifacts))
	}
}

// --- rendering ---

func TestWrapLines(t *testing.T) {
	lines := WrapLines("hello world foo\n\nbar", 11)
	want := []string{"hello world", "foo", "", "bar"}
	if !slices.Equal(lines, want) {
		t.Fatalf("got %q, want %q", lines, want)
	}
}

func TestRenderText_Height(t *testing.T) {
	img, err := RenderText("a\nb", TextPage{Width: 200, FontSize: 16, Margin: 20, Watermark: "wm", Opacity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	// three lines (a, blank, b) at 20px plus two margins
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
}

func TestFitLines_StaysInsideMargins(t *testing.T) {
	face, err := newFace(16)
	if err != nil {
		t.Fatal(err)
	}
	defer face.Close()

	text := strings.Repeat("Wide MMMM words and narrow ones mixed together ", 12)
	lines := fitLines(face, text, 160)
	if len(lines) < 4 {
		t.Fatalf("expected the paragraph to wrap, got %d lines", len(lines))
	}
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > 160 {
			t.Errorf("line %q is %dpx wide", l, w)
		}
	}
}

func TestFitLines_LongWordOnOwnLine(t *testing.T) {
	face, err := newFace(16)
	if err != nil {
		t.Fatal(err)
	}
	defer face.Close()

	url := "https://example.com/" + strings.Repeat("x", 60)
	lines := fitLines(face, "see "+url+" for details", 160)
	if !slices.Contains(lines, url) {
		t.Fatalf("long word should sit alone, got %q", lines)
	}
	if len(lines) > 4 {
		t.Fatalf("short words were over-wrapped: %q", lines)
	}
}

func TestRenderText_RightMarginClear(t *testing.T) {
	p := TextPage{Width: 200, FontSize: 16, Margin: 20}
	img, err := RenderText(strings.Repeat("lorem ipsum dolor sit amet consectetur ", 8), p)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := p.Width - p.Margin + 2; x < b.Max.X; x++ {
			if r, g, bl, _ := img.At(x, y).RGBA(); r != 0xffff || g != 0xffff || bl != 0xffff {
				t.Fatalf("ink at (%d,%d) inside the right margin", x, y)
			}
		}
	}
}

func TestStampFooter_EmptyText(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	if err := StampFooter(img, "", 12); err != nil {
		t.Fatal(err)
	}
	for _, b := range img.Pix {
		if b != 0 {
			t.Fatal("empty watermark modified the image")
		}
	}
}

// --- video sizing ---

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("  Duration: 00:01:30.50, start: 0.000000, bitrate: 1205 kb/s")
	if err != nil {
		t.Fatal(err)
	}
	if d != 90500*time.Millisecond {
		t.Fatalf("got %s", d)
	}
	if _, err := ParseDuration("Input #0, mov"); err == nil {
		t.Fatal("expected error without a duration line")
	}
}

func TestBitrate(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{60 * time.Second, 400},
		{600 * time.Second, 150},
		{200 * time.Second, 208},
		{0, 300},
	}
	for _, tt := range tests {
		if got := Bitrate(6, tt.d); got != tt.want {
			t.Errorf("Bitrate(6, %s) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestSegmentCount(t *testing.T) {
	p := DefaultVideoPolicy()
	tests := []struct {
		sizeMB float64
		d      time.Duration
		want   int
	}{
		{100, 300 * time.Second, 12},
		{10, 60 * time.Second, 6},
		{10, time.Hour, 20},
		{500, 10 * time.Minute, 15},
		{500, 2 * time.Hour, 20},
	}
	for _, tt := range tests {
		if got := SegmentCount(tt.sizeMB, tt.d, p); got != tt.want {
			t.Errorf("SegmentCount(%v, %s) = %d, want %d", tt.sizeMB, tt.d, got, tt.want)
		}
	}
}

func TestBaseQuality(t *testing.T) {
	if crf, w := BaseQuality(350); crf != 35 || w != 480 {
		t.Fatalf("got %d/%d", crf, w)
	}
	if crf, w := BaseQuality(250); crf != 33 || w != 640 {
		t.Fatalf("got %d/%d", crf, w)
	}
	if crf, w := BaseQuality(50); crf != 30 || w != 854 {
		t.Fatalf("got %d/%d", crf, w)
	}
}

func TestCompressArgs_Escalates(t *testing.T) {
	first := CompressArgs("in.mp4", "out.mp4", 1)
	second := CompressArgs("in.mp4", "out.mp4", 2)
	if argAfter(first, "-crf") != "38" || argAfter(second, "-crf") != "42" {
		t.Fatalf("unexpected crf %q / %q", argAfter(first, "-crf"), argAfter(second, "-crf"))
	}
	if argAfter(CompressArgs("in", "out", 5), "-crf") != "42" {
		t.Fatal("later attempts should reuse the strongest setting")
	}
	if first[len(first)-1] != "out.mp4" {
		t.Fatalf("output must be last, got %v", first)
	}
}

func TestDrawtext_Escapes(t *testing.T) {
	got := drawtext("a:b'c")
	if !strings.Contains(got, `text='a\:b\'c'`) {
		t.Fatalf("unexpected filter %q", got)
	}
}

// --- video conversion ---

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeEncoder writes an output whose size depends on the CRF it was asked for.
type fakeEncoder struct {
	sizes map[string]int
	runs  [][]string
}

func (f *fakeEncoder) Duration(context.Context, string) (time.Duration, error) {
	return 2 * time.Minute, nil
}

func (f *fakeEncoder) Run(_ context.Context, args []string) error {
	f.runs = append(f.runs, args)
	out := args[len(args)-1]
	return os.WriteFile(out, make([]byte, f.sizes[argAfter(args, "-crf")]), 0o600)
}

func kb(n float64) float64 { return n * 1024 / mb }

func smallPolicy() VideoPolicy {
	return VideoPolicy{
		Watermark:         "wm",
		TargetMB:          6,
		DirectUploadMB:    kb(2),
		SegmentBudgetMB:   kb(1),
		MinSegments:       2,
		SoftMaxSegments:   3,
		MaxSegments:       4,
		MaxRecompressions: 2,
	}
}

func TestVideo_DirectUpload(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int{"32": 1024}}
	item, r := fileItem(domain.KindVideo, "clip.mov", []byte("raw"))
	v := NewVideo(VideoConfig{Loader: Loader{Reader: r}, Encoder: enc, Policy: smallPolicy(), TempDir: t.TempDir(), Logger: testLogger()})

	res, err := v.Convert(context.Background(), item, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Filename != "clip.mp4" {
		t.Fatalf("unexpected artifacts %+v", res.Artifacts)
	}
	if res.Trailer != singleTrailer {
		t.Fatalf("unexpected trailer %q", res.Trailer)
	}
	if len(enc.runs) != 1 {
		t.Fatalf("expected one encode, got %d", len(enc.runs))
	}
}

func TestVideo_SegmentsAndRecompresses(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int{"32": 4096, "30": 3000, "38": 1500, "42": 500}}
	item, r := fileItem(domain.KindVideo, "clip.mov", []byte("raw"))
	v := NewVideo(VideoConfig{Loader: Loader{Reader: r}, Encoder: enc, Policy: smallPolicy(), TempDir: t.TempDir(), Logger: testLogger()})

	var lines []string
	res, err := v.Convert(context.Background(), item, func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Artifacts))
	}
	a := res.Artifacts[1]
	if a.Filename != "clip_part2of2.mp4" || a.Text != "Video part 2 of 2" || a.Ordinal != 2 {
		t.Fatalf("unexpected segment %+v", a)
	}
	if len(a.Data) != 500 {
		t.Fatalf("expected fully compressed segment, got %d bytes", len(a.Data))
	}
	if res.Trailer != segmentTrailer {
		t.Fatalf("unexpected trailer %q", res.Trailer)
	}
	// one single pass, two segments, two recompressions each
	if len(enc.runs) != 7 {
		t.Fatalf("expected 7 encoder runs, got %d", len(enc.runs))
	}
	if !slices.Contains(lines, "Final compression for segment 1...") {
		t.Fatalf("missing final compression progress in %v", lines)
	}
}

func TestVideo_SegmentOverBudget(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int{"32": 4096, "30": 3000, "38": 2000, "42": 1500}}
	item, r := fileItem(domain.KindVideo, "clip.mp4", []byte("raw"))
	v := NewVideo(VideoConfig{Loader: Loader{Reader: r}, Encoder: enc, Policy: smallPolicy(), TempDir: t.TempDir(), Logger: testLogger()})

	_, err := v.Convert(context.Background(), item, nil)
	if err == nil || !strings.Contains(err.Error(), "after 2 recompressions") {
		t.Fatalf("expected over-budget error, got %v", err)
	}
	// single pass, first segment, two recompressions
	if len(enc.runs) != 4 {
		t.Fatalf("expected 4 runs before giving up, got %d", len(enc.runs))
	}
}
