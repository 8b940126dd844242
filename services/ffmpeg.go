package services

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// TranscodeError is any failure reported by the external engine: bad
// codec, corrupt input, process crash. The orchestrator does not
// distinguish subtypes; every one is retryable up to the attempt bound.
type TranscodeError struct {
	Message string
}

func (e *TranscodeError) Error() string {
	return "transcode failed: " + e.Message
}

// ProgressSink receives integer progress percentages, clamped to 0-100
// and monotonically non-decreasing within one conversion.
type ProgressSink interface {
	Progress(percent int)
}

// ProgressFunc adapts a plain function to a ProgressSink.
type ProgressFunc func(percent int)

func (f ProgressFunc) Progress(percent int) { f(percent) }

// FfmpegService invokes ffmpeg for a single video-to-GIF pass. The
// filter chain samples at a fixed frame rate, scales to a fixed output
// height, and runs the two-pass palettegen/paletteuse pipeline so the
// GIF keeps reasonable colors. The result loops forever.
type FfmpegService struct {
	ffmpegPath  string
	ffprobePath string
	fps         int
	height      int
}

func NewFfmpegService(ffmpegPath, ffprobePath string, fps, height int) *FfmpegService {
	if fps <= 0 {
		fps = 10
	}
	if height <= 0 {
		height = 400
	}
	return &FfmpegService{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		fps:         fps,
		height:      height,
	}
}

func (f *FfmpegService) filterChain() string {
	return fmt.Sprintf(
		"fps=%d,scale=-1:%d:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
		f.fps, f.height,
	)
}

// ConvertToGif runs one conversion and returns the output path. Either
// sink.Progress(100) or a TranscodeError precedes the return; progress
// granularity in between depends on the engine.
func (f *FfmpegService) ConvertToGif(ctx context.Context, inputPath, outputPath string, sink ProgressSink) (string, error) {
	duration := f.probeDuration(ctx, inputPath)

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-hide_banner",
		"-y",
		"-i", inputPath,
		"-vf", f.filterChain(),
		"-loop", "0",
		"-f", "gif",
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &TranscodeError{Message: err.Error()}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &TranscodeError{Message: err.Error()}
	}

	// ffmpeg emits key=value progress records on stdout; relay them as
	// monotonic percentages against the probed duration.
	last := 0
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		percent, ok := progressPercent(scanner.Text(), duration)
		if !ok || sink == nil {
			continue
		}
		if percent > last {
			last = percent
			sink.Progress(percent)
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", &TranscodeError{Message: engineMessage(err, stderr.String())}
	}

	if sink != nil {
		sink.Progress(100)
	}
	return outputPath, nil
}

// probeDuration asks ffprobe for the input duration in seconds. A zero
// return disables intermediate progress; the conversion still reports
// completion.
func (f *FfmpegService) probeDuration(ctx context.Context, inputPath string) float64 {
	out, err := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	).Output()
	if err != nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return seconds
}

// progressPercent converts one "out_time_us=<n>" progress line into a
// percentage of the total duration. ffmpeg reports the processed
// timestamp in microseconds under both out_time_us and out_time_ms.
func progressPercent(line string, durationSeconds float64) (int, bool) {
	if durationSeconds <= 0 {
		return 0, false
	}
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || micros < 0 {
		return 0, false
	}

	percent := int(float64(micros) / 1e6 / durationSeconds * 100)
	if percent > 100 {
		percent = 100
	}
	return percent, true
}

// engineMessage prefers the tail of stderr over the bare exit error,
// since that is where ffmpeg explains what went wrong.
func engineMessage(err error, stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return err.Error()
}
