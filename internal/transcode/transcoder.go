// Package transcode turns a lossless call capture into a compressed,
// loudness-normalized artifact by driving ffmpeg.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
)

// Compression mirrors the m4a_audio_compression config block.
type Compression struct {
	Enabled       bool
	SampleRate    int // Hz
	Bitrate       int // kbps
	Normalization bool
	UseLoudnorm   bool
	Loudnorm      LoudnessTarget
	Codec         string
	// Timeout bounds each ffmpeg invocation; zero waits for natural completion.
	Timeout time.Duration
}

// Request describes one transcode. Build it once and pass it by value.
type Request struct {
	SourcePath  string
	DestPath    string
	Compression Compression
}

// Result reports what was produced and the commands that ran.
type Result struct {
	Produced    bool
	DestPath    string
	TwoPass     bool
	Measurement *Measurement
	Logs        []CommandLog
}

// Transcoder runs ffmpeg with injectable OS dependencies.
type Transcoder struct {
	ffmpegPath string
	runner     commandRunner
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	rename     func(oldpath, newpath string) error
	remove     func(string) error
	log        *logrus.Entry
}

// New constructs the production transcoder.
func New(ffmpegPath string, log *logrus.Entry) *Transcoder {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		runner:     &execRunner{},
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		rename:     os.Rename,
		remove:     os.Remove,
		log:        log.WithField("component", "transcode"),
	}
}

// Transcode produces req.DestPath from req.SourcePath. With compression
// disabled it returns immediately and nothing is written.
func (t *Transcoder) Transcode(ctx context.Context, req Request) (Result, error) {
	c := req.Compression
	if !c.Enabled {
		t.log.Warn("compression is disabled in config, skipping conversion")
		return Result{}, nil
	}

	info, err := t.stat(req.SourcePath)
	if err != nil {
		return Result{}, apperr.Wrapf(err, apperr.SourceNotFound, "input file %s does not exist", req.SourcePath)
	}
	if !info.Mode().IsRegular() {
		return Result{}, apperr.Newf(apperr.SourceNotFound, "input %s is not a regular file", req.SourcePath)
	}

	tool, err := t.lookPath(t.ffmpegPath)
	if err != nil {
		return Result{}, apperr.Wrapf(err, apperr.ToolUnavailable, "%s is not installed or not found in PATH", t.ffmpegPath)
	}

	codec := c.Codec
	if codec == "" {
		codec = "aac"
	}
	partial := partialPath(req.DestPath)
	result := Result{DestPath: req.DestPath}

	var encodeArgs []string
	if c.Normalization && c.UseLoudnorm {
		measureArgs := buildMeasureArgs(req.SourcePath, c.Loudnorm)
		log, err := t.run(ctx, c.Timeout, tool, measureArgs)
		result.Logs = append(result.Logs, log)
		if err != nil {
			return result, apperr.Wrapf(err, apperr.ToolExecutionFailed, "first pass ffmpeg command failed: %s", strings.TrimSpace(log.Stderr)).
				WithMetadata("command", log.String()).
				WithMetadata("exit", strconv.Itoa(log.ExitCode))
		}

		m, err := parseMeasurement(log.Stderr)
		if err != nil {
			return result, err
		}
		t.log.WithFields(logrus.Fields{
			"input_i":      m.InputI,
			"input_tp":     m.InputTP,
			"input_lra":    m.InputLRA,
			"input_thresh": m.InputThresh,
			"offset":       m.Offset,
		}).Debug("loudness measured")
		result.Measurement = &m
		result.TwoPass = true
		encodeArgs = buildNormalizedEncodeArgs(req.SourcePath, partial, c, codec, m)
	} else {
		encodeArgs = buildEncodeArgs(req.SourcePath, partial, c, codec)
	}

	log, err := t.run(ctx, c.Timeout, tool, encodeArgs)
	result.Logs = append(result.Logs, log)
	if err != nil {
		_ = t.remove(partial)
		stage := "ffmpeg command failed"
		if result.TwoPass {
			stage = "second pass ffmpeg command failed"
		}
		return result, apperr.Wrapf(err, apperr.ToolExecutionFailed, "%s: %s", stage, strings.TrimSpace(log.Stderr)).
			WithMetadata("command", log.String()).
			WithMetadata("exit", strconv.Itoa(log.ExitCode))
	}

	if _, err := t.stat(partial); err != nil {
		return result, apperr.Wrap(err, apperr.ToolExecutionFailed, "ffmpeg completed but output file is missing").
			WithMetadata("command", log.String())
	}
	if err := t.rename(partial, req.DestPath); err != nil {
		_ = t.remove(partial)
		return result, apperr.Wrapf(err, apperr.ToolExecutionFailed, "move encoded output to %s", req.DestPath)
	}

	result.Produced = true
	mode := "without loudnorm"
	if result.TwoPass {
		mode = "with two-pass loudnorm"
	}
	t.log.WithFields(logrus.Fields{"source": req.SourcePath, "dest": req.DestPath}).
		Infof("compressed audio %s", mode)
	return result, nil
}

func (t *Transcoder) run(ctx context.Context, timeout time.Duration, tool string, args []string) (CommandLog, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := t.runner.Run(ctx, tool, args...)
	log := CommandLog{
		Command:  tool,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	entry := t.log.WithField("command", log.String())
	if log.Stdout != "" {
		entry = entry.WithField("stdout", log.Stdout)
	}
	if log.Stderr != "" {
		entry = entry.WithField("stderr", log.Stderr)
	}
	entry.WithField("exit", log.ExitCode).Debug("ffmpeg finished")

	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit status %d", res.ExitCode)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("ffmpeg exceeded %s: %w", timeout, ctx.Err())
	}
	return log, err
}

// partialPath keeps the extension so ffmpeg still infers the container.
func partialPath(dest string) string {
	dir, base := filepath.Split(dest)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".partial"+ext)
}

func buildMeasureArgs(input string, target LoudnessTarget) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-af", measureFilter(target),
		"-vn",
		"-sn",
		"-f", "null",
		"-",
	}
}

func buildNormalizedEncodeArgs(input, output string, c Compression, codec string, m Measurement) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-af", applyFilter(c.Loudnorm, m),
		"-ar", strconv.Itoa(c.SampleRate),
		"-c:a", codec,
		"-b:a", strconv.Itoa(c.Bitrate) + "k",
		"-vn",
		"-sn",
		output,
	}
}

func buildEncodeArgs(input, output string, c Compression, codec string) []string {
	return []string{
		"-y",
		"-i", input,
		"-ar", strconv.Itoa(c.SampleRate),
		"-c:a", codec,
		"-b:a", strconv.Itoa(c.Bitrate) + "k",
		output,
	}
}

// NewForTests constructs a transcoder with injectable dependencies.
func NewForTests(
	ffmpegPath string,
	runner commandRunner,
	lookPath func(string) (string, error),
	log *logrus.Entry,
) *Transcoder {
	t := New(ffmpegPath, log)
	t.runner = runner
	t.lookPath = lookPath
	return t
}
