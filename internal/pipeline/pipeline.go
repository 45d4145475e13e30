// Package pipeline runs one call through metadata loading, transcoding,
// archiving and endpoint notification.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"call-archiver/internal/apperr"
	"call-archiver/internal/archive"
	"call-archiver/internal/callmeta"
	"call-archiver/internal/config"
	"call-archiver/internal/logger"
	"call-archiver/internal/notify"
	"call-archiver/internal/transcode"
	"call-archiver/internal/types"
)

type transcoder interface {
	Transcode(ctx context.Context, req transcode.Request) (transcode.Result, error)
}

type archiver interface {
	Archive(ctx context.Context, req archive.Request) (types.URLs, error)
}

type notifier interface {
	Upload(ctx context.Context, sys config.RdioSystem, call types.CallRecord) error
}

// Outcome is what a processed call produced.
type Outcome struct {
	Call      types.CallRecord
	URLs      types.URLs
	Transcode transcode.Result
	Notified  int
}

type Pipeline struct {
	cfg        config.Config
	transcoder transcoder
	archiver   archiver
	notifier   notifier
	log        *logger.Logger
}

func New(cfg config.Config, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		transcoder: transcode.New(cfg.Compression.FFmpegPath, log.Entry),
		archiver:   archive.New(cfg.Archive, log.Entry),
		notifier:   notify.New(log.Entry),
		log:        log,
	}
}

// NewForTests constructs a pipeline with injectable collaborators.
func NewForTests(cfg config.Config, t transcoder, a archiver, n notifier, log *logger.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, transcoder: t, archiver: a, notifier: n, log: log}
}

// Process handles one call. Metadata and transcode failures are returned;
// archive and notification failures are logged and the run continues.
func (p *Pipeline) Process(ctx context.Context, call types.Call) (Outcome, error) {
	start := time.Now()
	log := p.log.WithRun(call.ShortName, call.WAVPath)
	log.Infof("Processing Call %s", call.WAVPath)

	paths := callmeta.PathsFor(call.WAVPath)
	record, err := callmeta.Load(paths.JSON)
	if err != nil {
		return Outcome{}, err
	}
	log.Info("loaded call metadata")
	record["short_name"] = call.ShortName
	out := Outcome{Call: record}

	res, err := p.transcoder.Transcode(ctx, transcode.Request{
		SourcePath:  paths.WAV,
		DestPath:    paths.M4A,
		Compression: compressionFrom(p.cfg.Compression),
	})
	out.Transcode = res
	if err != nil {
		return out, err
	}

	urls, err := p.archiver.Archive(ctx, archive.Request{
		SourceDir:   paths.Dir,
		WAVFileName: paths.WAVName,
		Call:        record,
		ShortName:   call.ShortName,
	})
	if err != nil {
		log.WithError(err).WithField("code", apperr.CodeOf(err)).Error("archive step failed")
	}
	out.URLs = urls
	callmeta.MergeURLs(record, urls)

	switch {
	case !urls.Empty():
		log.Info("Archive Complete")
		log.WithFields(logrus.Fields{
			"audio_wav_url": urls.WAV,
			"audio_m4a_url": urls.M4A,
			"json_url":      urls.JSON,
		}).Debug("archive urls")
	case bool(p.cfg.Archive.Enabled):
		log.Error("No Files Uploaded to Archive")
	default:
		log.Debug("archive disabled")
	}

	for _, sys := range p.cfg.RdioSystems {
		if !bool(sys.Enabled) {
			continue
		}
		if err := p.notifier.Upload(ctx, sys, record); err != nil {
			log.WithError(err).WithField("rdio_url", sys.URL).Error("RDIO Upload failed")
			continue
		}
		out.Notified++
	}

	log.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).
		Infof("Completed Processing Call %s", call.WAVPath)
	return out, nil
}

func compressionFrom(c config.Compression) transcode.Compression {
	return transcode.Compression{
		Enabled:       c.Enabled,
		SampleRate:    c.SampleRate,
		Bitrate:       c.Bitrate,
		Normalization: c.Normalization,
		UseLoudnorm:   c.UseLoudnorm,
		Loudnorm: transcode.LoudnessTarget{
			Integrated:    c.LoudnormParams.I,
			TruePeak:      c.LoudnormParams.TP,
			LoudnessRange: c.LoudnormParams.LRA,
			Linear:        bool(c.LoudnormParams.Linear),
		},
		Codec:   c.Codec,
		Timeout: c.Timeout(),
	}
}
