package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"mediagrab/internal/models"
)

// outputMarker prefixes the final path yt-dlp prints for every finished entry.
const outputMarker = "mediagrab-file:"

// ProgressCallback receives updates emitted while a retrieval runs.
type ProgressCallback func(percent int, message string)

// Outcome lists the files a retrieval left on disk, as absolute paths.
type Outcome struct {
	Files []string
}

// Client is the extraction service the job workers depend on.
type Client interface {
	Describe(ctx context.Context, url string) (models.Preview, error)
	Retrieve(ctx context.Context, spec models.RequestSpec, outputDir string, cb ProgressCallback) (Outcome, error)
}

// Options configures the yt-dlp backed client.
type Options struct {
	Binary      string
	CookiesPath string
	ProxyURL    string
}

// Service wraps yt-dlp invocations.
type Service struct {
	logger *slog.Logger
	opts   Options
}

var _ Client = (*Service)(nil)

func NewService(logger *slog.Logger, opts Options) *Service {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "yt-dlp"
	}
	return &Service{logger: logger, opts: opts}
}

// Describe fetches preview metadata without downloading. For playlists the
// first entry is described.
func (s *Service) Describe(ctx context.Context, url string) (models.Preview, error) {
	args := []string{"--dump-single-json", "--skip-download", "--no-warnings", "--playlist-items", "1"}
	args = append(args, s.commonArgs()...)
	args = append(args, "--", url)

	cmd := exec.CommandContext(ctx, s.opts.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return models.Preview{}, ctx.Err()
		}
		return models.Preview{}, s.toolError(err, stderr.String())
	}
	return parsePreview(stdout.Bytes())
}

// Retrieve downloads spec into outputDir and reports the produced files.
// In playlist mode entries that fail are skipped; the call only fails when
// nothing was produced.
func (s *Service) Retrieve(ctx context.Context, spec models.RequestSpec, outputDir string, cb ProgressCallback) (Outcome, error) {
	args := buildRetrieveArgs(spec, outputDir)
	args = append(args, s.commonArgs()...)
	args = append(args, "--", spec.URL)

	cmd := exec.CommandContext(ctx, s.opts.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create yt-dlp stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create yt-dlp stderr pipe: %w", err)
	}

	if cb != nil {
		cb(0, "starting download")
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, s.toolError(err, "")
	}

	var (
		wg     sync.WaitGroup
		errBuf limitedBuffer
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				errBuf.WriteLine(line)
			}
		}
	}()

	var outcome Outcome
	entry := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, outputMarker) {
			path := strings.TrimSpace(strings.TrimPrefix(line, outputMarker))
			if path != "" {
				outcome.Files = append(outcome.Files, path)
			}
			continue
		}
		if strings.HasPrefix(line, "[download] Downloading item") {
			entry++
			if cb != nil {
				cb(0, strings.TrimPrefix(line, "[download] "))
			}
			continue
		}
		if percent, ok := parsePercent(line); ok && cb != nil {
			msg := fmt.Sprintf("%d%%", percent)
			if entry > 0 {
				msg = fmt.Sprintf("item %d: %d%%", entry, percent)
			}
			cb(percent, msg)
		}
		if strings.HasPrefix(line, "[Merger]") || strings.HasPrefix(line, "[ExtractAudio]") {
			if cb != nil {
				cb(100, "merging and finalizing")
			}
		}
	}
	scanErr := scanner.Err()
	// drain so Wait does not race the stdout reader
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if scanErr != nil {
		return Outcome{}, fmt.Errorf("failed while reading yt-dlp output: %w", scanErr)
	}
	if waitErr != nil {
		if spec.Mode == models.ModePlaylist && len(outcome.Files) > 0 {
			s.logger.Warn("playlist finished with failed entries",
				"url", spec.URL,
				"produced", len(outcome.Files),
				"error", strings.TrimSpace(errBuf.String()),
			)
			return outcome, nil
		}
		return Outcome{}, s.toolError(waitErr, errBuf.String())
	}
	if cb != nil {
		cb(100, "download finished")
	}
	return outcome, nil
}

func (s *Service) commonArgs() []string {
	var args []string
	if strings.TrimSpace(s.opts.CookiesPath) != "" {
		args = append(args, "--cookies", s.opts.CookiesPath)
	}
	if strings.TrimSpace(s.opts.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(s.opts.ProxyURL))
	}
	return args
}

// toolError classifies a failed invocation. Missing binaries are permanent.
// The raw reason is logged and kept in the cause; the error message only
// carries fixed client text.
func (s *Service) toolError(err error, output string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return WrapError(KindPermanent, "extraction tool is not available", err)
	}
	reason := toolReason(output)
	kind := Classify(output)
	if reason == "" && kind == KindPermanent {
		kind = Classify(err.Error())
	}
	s.logger.Warn("yt-dlp failed", "kind", kind.String(), "reason", reason, "error", err)
	return WrapError(kind, PublicReason(reason), fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(output)))
}

func buildRetrieveArgs(spec models.RequestSpec, outputDir string) []string {
	args := []string{
		"--newline",
		"--progress",
		"--restrict-filenames",
		"--no-part",
		"-P", outputDir,
		"-o", "%(title).150B_[%(id)s].%(ext)s",
		"--print", "after_move:" + outputMarker + "%(filepath)s",
	}
	switch spec.Format {
	case models.FormatAudio:
		args = append(args,
			"-f", "bestaudio/best",
			"--extract-audio",
			"--audio-format", "mp3",
			"--audio-quality", "192K",
		)
	default:
		args = append(args,
			"-f", "bestvideo+bestaudio/best",
			"--merge-output-format", "mp4",
		)
	}
	if spec.Mode == models.ModePlaylist {
		args = append(args, "--yes-playlist", "--ignore-errors")
	} else {
		args = append(args, "--no-playlist")
	}
	return args
}

var percentRe = regexp.MustCompile(`^\[download\]\s+(\d{1,3}(?:\.\d+)?)%`)

func parsePercent(line string) (int, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return int(v), true
}

type previewInfo struct {
	Title     string        `json:"title"`
	Uploader  string        `json:"uploader"`
	Channel   string        `json:"channel"`
	Thumbnail string        `json:"thumbnail"`
	ViewCount int64         `json:"view_count"`
	Duration  float64       `json:"duration"`
	Entries   []previewInfo `json:"entries"`
}

func parsePreview(data []byte) (models.Preview, error) {
	var info previewInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return models.Preview{}, fmt.Errorf("decode yt-dlp metadata: %w", err)
	}
	if len(info.Entries) > 0 {
		info = info.Entries[0]
	}
	uploader := info.Uploader
	if uploader == "" {
		uploader = info.Channel
	}
	return models.Preview{
		Title:     info.Title,
		Uploader:  uploader,
		Thumbnail: info.Thumbnail,
		ViewCount: info.ViewCount,
		Duration:  info.Duration,
	}, nil
}

// OutputName returns the storage-relative name of a file inside a job directory.
func OutputName(jobID, path string) string {
	return filepath.ToSlash(filepath.Join(filepath.Base(jobID), filepath.Base(path)))
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// limitedBuffer keeps the head of tool output for diagnostics.
type limitedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

const maxKeep = 8192

func (b *limitedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.buf.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.buf.WriteString(toWrite)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
