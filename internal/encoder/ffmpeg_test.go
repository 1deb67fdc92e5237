package encoder

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestParseProgressLine(t *testing.T) {
	duration := 10 * time.Second
	cases := []struct {
		name     string
		line     string
		want     float64
		reported bool
	}{
		{name: "out_time_us halfway", line: "out_time_us=5000000", want: 0.5, reported: true},
		{name: "out_time_ms carries microseconds", line: "out_time_ms=2500000", want: 0.25, reported: true},
		{name: "overshoot clamped", line: "out_time_us=15000000", want: 1, reported: true},
		{name: "progress end", line: "progress=end", want: 1, reported: true},
		{name: "progress continue ignored", line: "progress=continue", reported: false},
		{name: "negative ignored", line: "out_time_us=-1", reported: false},
		{name: "unrelated key ignored", line: "frame=42", reported: false},
		{name: "not key value", line: "garbage", reported: false},
		{name: "whitespace trimmed", line: "  out_time_us=1000000  ", want: 0.1, reported: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseProgressLine(tc.line, duration)
			if ok != tc.reported {
				t.Fatalf("reported = %v, want %v", ok, tc.reported)
			}
			if !tc.reported {
				return
			}
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("fraction = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseProgressLineWithoutDuration(t *testing.T) {
	if _, ok := parseProgressLine("out_time_us=5000000", 0); ok {
		t.Fatal("expected no report when duration is unknown")
	}
	if got, ok := parseProgressLine("progress=end", 0); !ok || got != 1 {
		t.Fatal("progress=end should report completion regardless of duration")
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newLogWriter(logger, "transcode:360p")

	if _, err := w.Write([]byte("frame=1\nframe=2\n\n  \nframe=3")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"frame=1", "frame=2", "frame=3"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}

func TestNewDefaultsBinaryPaths(t *testing.T) {
	f := New(Config{})
	if f.ffmpegPath != "ffmpeg" || f.ffprobePath != "ffprobe" {
		t.Fatalf("defaults = %s/%s, want ffmpeg/ffprobe", f.ffmpegPath, f.ffprobePath)
	}
	custom := New(Config{FFmpegPath: " /usr/local/bin/ffmpeg ", FFprobePath: "/opt/ffprobe"})
	if custom.ffmpegPath != "/usr/local/bin/ffmpeg" {
		t.Fatalf("ffmpeg path = %s", custom.ffmpegPath)
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{FFmpegPath: "definitely-not-a-binary"})
	if err := f.Run(ctx, RunSpec{Name: "test", Args: []string{"-i", "missing"}}); err == nil {
		t.Fatal("expected error from cancelled run")
	}
}
