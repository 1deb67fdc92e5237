// Package encoder wraps the external ffmpeg/ffprobe binaries behind a small
// adapter: start an invocation, receive fractional progress callbacks, and
// observe the exit status. Cancelling the context kills the subprocess.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RunSpec describes one ffmpeg invocation. Duration is the probed length of
// the input; when positive, OnProgress receives fractional progress in
// [0,1] as the encode advances.
type RunSpec struct {
	Name       string
	Args       []string
	Duration   time.Duration
	OnProgress func(float64)
}

// Runner abstracts the encoder binary so stage workers can be tested with
// fakes.
type Runner interface {
	Probe(ctx context.Context, input string) (time.Duration, error)
	Run(ctx context.Context, spec RunSpec) error
}

// Config locates the encoder binaries.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// FFmpeg shells out to the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// New builds an FFmpeg runner, defaulting to binaries resolved via PATH.
func New(cfg Config) *FFmpeg {
	ffmpegPath := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := strings.TrimSpace(cfg.FFprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// Probe returns the container duration of the input.
func (f *FFmpeg) Probe(ctx context.Context, input string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", input, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration for %s: %w", input, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Run starts ffmpeg with the spec's arguments plus progress reporting on
// stdout, and blocks until the process exits or the context is cancelled.
func (f *FFmpeg) Run(ctx context.Context, spec RunSpec) error {
	args := append([]string{"-y", "-hide_banner", "-nostats", "-progress", "pipe:1"}, spec.Args...)
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.Stderr = newLogWriter(f.logger, spec.Name)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fraction, ok := parseProgressLine(scanner.Text(), spec.Duration)
		if ok && spec.OnProgress != nil {
			spec.OnProgress(fraction)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg %s: %w", spec.Name, err)
	}
	if spec.OnProgress != nil {
		spec.OnProgress(1)
	}
	return nil
}

// parseProgressLine interprets one key=value line from ffmpeg's -progress
// output. Both out_time_us and out_time_ms carry microseconds.
func parseProgressLine(line string, duration time.Duration) (float64, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return 0, false
	}
	switch key {
	case "progress":
		if value == "end" {
			return 1, true
		}
		return 0, false
	case "out_time_us", "out_time_ms":
		if duration <= 0 {
			return 0, false
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		fraction := float64(us) / float64(duration.Microseconds())
		if fraction > 1 {
			fraction = 1
		}
		return fraction, true
	default:
		return 0, false
	}
}

// logWriter splits subprocess stderr into lines and forwards them to the
// logger at debug level.
type logWriter struct {
	logger *slog.Logger
	name   string
}

func newLogWriter(logger *slog.Logger, name string) *logWriter {
	return &logWriter{logger: logger, name: name}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "task", w.name, "line", string(line))
	}
	return total, nil
}
