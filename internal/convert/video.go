package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mediabot/internal/domain"
)

const (
	mb = 1024 * 1024

	singleTrailer  = "⚠️ **WARNING**: Do not download or share this video outside the server."
	segmentTrailer = "⚠️ **WARNING**: Do not download or share these video segments outside the server."
)

// Encoder runs the external transcoder.
type Encoder interface {
	Duration(ctx context.Context, input string) (time.Duration, error)
	Run(ctx context.Context, args []string) error
}

// FFmpeg shells out to an ffmpeg binary.
type FFmpeg struct {
	Path string
}

var durationRe = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseDuration reads the "Duration: HH:MM:SS.ss" line ffmpeg prints.
func ParseDuration(ffmpegOutput string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(ffmpegOutput)
	if m == nil {
		return 0, errors.New("could not determine video duration")
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.ParseFloat(m[3], 64)
	total := float64(h*3600+mins*60) + sec
	return time.Duration(total * float64(time.Second)), nil
}

func (f FFmpeg) bin() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

func (f FFmpeg) Duration(ctx context.Context, input string) (time.Duration, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin(), "-hide_banner", "-i", input)
	cmd.Stderr = &stderr
	// ffmpeg exits non-zero without an output file; the banner is all we need.
	_ = cmd.Run()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return ParseDuration(stderr.String())
}

func (f FFmpeg) Run(ctx context.Context, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin(), append([]string{"-hide_banner", "-y"}, args...)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// VideoPolicy sizes are in megabytes.
type VideoPolicy struct {
	Watermark         string
	TargetMB          float64
	DirectUploadMB    float64
	SegmentBudgetMB   float64
	MinSegments       int
	SoftMaxSegments   int
	MaxSegments       int
	SecondsPerSegment int
	MaxRecompressions int
}

func DefaultVideoPolicy() VideoPolicy {
	return VideoPolicy{
		Watermark:         "Confidential - GridZer0",
		TargetMB:          6,
		DirectUploadMB:    25,
		SegmentBudgetMB:   8,
		MinSegments:       6,
		SoftMaxSegments:   15,
		MaxSegments:       20,
		SecondsPerSegment: 180,
		MaxRecompressions: 2,
	}
}

// Bitrate is the single-pass video bitrate in kbps for a target size.
func Bitrate(targetMB float64, d time.Duration) int {
	secs := d.Seconds()
	if secs <= 0 {
		return 300
	}
	kbps := int(targetMB * 8192 / secs * 0.85)
	return max(150, min(kbps, 400))
}

// SegmentCount decides how many parts a video is split into.
func SegmentCount(sizeMB float64, d time.Duration, p VideoPolicy) int {
	n := max(p.MinSegments, min(int(sizeMB/p.SegmentBudgetMB), p.SoftMaxSegments))
	if p.SecondsPerSegment > 0 {
		n = max(n, int(math.Ceil(d.Seconds()/float64(p.SecondsPerSegment))))
	}
	return min(n, p.MaxSegments)
}

// BaseQuality returns the CRF and output width used for segments.
func BaseQuality(sizeMB float64) (crf, width int) {
	switch {
	case sizeMB > 300:
		return 35, 480
	case sizeMB > 200:
		return 33, 640
	}
	return 30, 854
}

func drawtext(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return fmt.Sprintf("drawtext=text='%s':fontsize=24:fontcolor=white@0.8:box=1:boxcolor=black@0.5:boxborderw=5:x=(w-tw)/2:y=h-th-10", r.Replace(text))
}

func videoFilter(width int, watermark string) string {
	vf := fmt.Sprintf("scale=%d:-2", width)
	if watermark != "" {
		vf += "," + drawtext(watermark)
	}
	return vf
}

// SinglePassArgs transcodes the whole input with a watermark.
func SinglePassArgs(in, out string, sizeMB float64, d time.Duration, p VideoPolicy) []string {
	width := 854
	if sizeMB > 40 {
		width = 640
	}
	kbps := Bitrate(p.TargetMB, d)
	return []string{
		"-i", in,
		"-vf", videoFilter(width, p.Watermark),
		"-f", "mp4",
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", kbps),
		"-preset", "ultrafast",
		"-crf", "32",
		"-maxrate", fmt.Sprintf("%dk", kbps*3/2),
		"-bufsize", fmt.Sprintf("%dk", kbps*3),
		"-movflags", "+faststart",
		"-pix_fmt", "yuv420p",
		out,
	}
}

// SegmentArgs cuts and watermarks one part of the input.
func SegmentArgs(in, out string, start, length time.Duration, crf, width int, watermark string) []string {
	return []string{
		"-ss", strconv.FormatFloat(start.Seconds(), 'f', 3, 64),
		"-i", in,
		"-t", strconv.FormatFloat(length.Seconds(), 'f', 3, 64),
		"-vf", videoFilter(width, watermark),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", strconv.Itoa(crf),
		"-c:a", "aac",
		"-b:a", "64k",
		"-ac", "1",
		"-ar", "22050",
		"-movflags", "+faststart",
		out,
	}
}

// CompressArgs re-encodes an already watermarked segment. Each attempt is
// more aggressive than the last; attempts past 2 reuse the strongest setting.
func CompressArgs(in, out string, attempt int) []string {
	args := []string{"-i", in, "-c:v", "libx264", "-preset", "ultrafast"}
	if attempt <= 1 {
		args = append(args, "-crf", "38", "-vf", "scale=480:-2", "-c:a", "aac", "-b:a", "32k", "-ac", "1")
	} else {
		args = append(args, "-crf", "42", "-vf", "scale=320:-2", "-c:a", "aac", "-b:a", "24k", "-ac", "1", "-ar", "16000")
	}
	return append(args, "-movflags", "+faststart", out)
}

type VideoConfig struct {
	Loader  Loader
	Encoder Encoder
	Policy  VideoPolicy
	TempDir string // "" = os.TempDir()
	Logger  *slog.Logger
}

// Video watermarks a video and, when the result is too big to upload,
// splits it into parts that each fit the segment budget.
type Video struct {
	loader  Loader
	enc     Encoder
	policy  VideoPolicy
	tempDir string
	logger  *slog.Logger
}

func NewVideo(cfg VideoConfig) *Video {
	v := &Video{
		loader:  cfg.Loader,
		enc:     cfg.Encoder,
		policy:  cfg.Policy,
		tempDir: cfg.TempDir,
		logger:  cfg.Logger,
	}
	if v.enc == nil {
		v.enc = FFmpeg{}
	}
	if v.policy.SegmentBudgetMB <= 0 {
		v.policy = DefaultVideoPolicy()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

func (v *Video) Convert(ctx context.Context, item domain.ContentItem, progress domain.ProgressFunc) (*domain.Result, error) {
	data, err := v.loader.Load(ctx, item)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(v.tempDir, "mediabot-video-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(item.Name)))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	sizeMB := float64(len(data)) / mb

	duration, err := v.enc.Duration(ctx, input)
	if err != nil {
		return nil, err
	}

	name := item.ThreadName()
	logger := v.logger.With("name", name, "size_mb", fmt.Sprintf("%.2f", sizeMB), "duration", duration)

	report(progress, "Processing video... This may take a few minutes.")
	output := filepath.Join(dir, "output.mp4")
	if err := v.enc.Run(ctx, SinglePassArgs(input, output, sizeMB, duration, v.policy)); err != nil {
		return nil, fmt.Errorf("processing failed: %w", err)
	}
	outSize, err := fileMB(output)
	if err != nil {
		return nil, err
	}
	logger.Info("video processed", "output_mb", fmt.Sprintf("%.2f", outSize))

	if outSize <= v.policy.DirectUploadMB {
		out, err := os.ReadFile(output)
		if err != nil {
			return nil, fmt.Errorf("read output: %w", err)
		}
		return &domain.Result{
			Artifacts: []domain.Artifact{{Ordinal: 1, Filename: name, Data: out}},
			Trailer:   singleTrailer,
		}, nil
	}

	return v.segment(ctx, input, dir, name, sizeMB, duration, progress, logger)
}

func (v *Video) segment(ctx context.Context, input, dir, name string, sizeMB float64, duration time.Duration,
	progress domain.ProgressFunc, logger *slog.Logger) (*domain.Result, error) {
	n := SegmentCount(sizeMB, duration, v.policy)
	length := duration / time.Duration(n)
	crf, width := BaseQuality(sizeMB)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	logger.Info("splitting video", "segments", n, "crf", crf, "width", width)

	res := &domain.Result{Trailer: segmentTrailer}
	for i := 1; i <= n; i++ {
		report(progress, "Creating segment %d of %d...", i, n)
		path := filepath.Join(dir, fmt.Sprintf("segment_%d.mp4", i))
		start := time.Duration(i-1) * length
		if err := v.enc.Run(ctx, SegmentArgs(input, path, start, length, crf, width, v.policy.Watermark)); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		path, err := v.fit(ctx, path, i, progress)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %d: %w", i, err)
		}
		res.Artifacts = append(res.Artifacts, domain.Artifact{
			Ordinal:  i,
			Filename: fmt.Sprintf("%s_part%dof%d.mp4", base, i, n),
			Data:     data,
			Text:     fmt.Sprintf("Video part %d of %d", i, n),
		})
	}
	return res, nil
}

// fit recompresses a segment until it is within budget, at most
// MaxRecompressions times.
func (v *Video) fit(ctx context.Context, path string, i int, progress domain.ProgressFunc) (string, error) {
	size, err := fileMB(path)
	if err != nil {
		return "", err
	}
	for attempt := 1; size > v.policy.SegmentBudgetMB; attempt++ {
		if attempt > v.policy.MaxRecompressions {
			return "", fmt.Errorf("segment %d is %.2fMB after %d recompressions, budget %.0fMB",
				i, size, v.policy.MaxRecompressions, v.policy.SegmentBudgetMB)
		}
		if attempt == v.policy.MaxRecompressions {
			report(progress, "Final compression for segment %d...", i)
		} else {
			report(progress, "Further compressing segment %d...", i)
		}
		next := filepath.Join(filepath.Dir(path), fmt.Sprintf("segment_%d_c%d.mp4", i, attempt))
		if err := v.enc.Run(ctx, CompressArgs(path, next, attempt)); err != nil {
			return "", fmt.Errorf("compress segment %d: %w", i, err)
		}
		path = next
		if size, err = fileMB(path); err != nil {
			return "", err
		}
	}
	return path, nil
}

func fileMB(path string) (float64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	return float64(st.Size()) / mb, nil
}
