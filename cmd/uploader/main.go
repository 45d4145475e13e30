package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"call-archiver/internal/config"
	"call-archiver/internal/logger"
	"call-archiver/internal/pipeline"
	"call-archiver/internal/types"
)

const appName = "tr_rdio_uploader"

func main() {
	_ = godotenv.Load() // loads .env

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run processes one call and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		shortName  string
		wavPath    string
		configPath string
	)
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&shortName, "system_short_name", "", "System Short Name.")
	fs.StringVar(&shortName, "s", "", "System Short Name (shorthand).")
	fs.StringVar(&wavPath, "audio_wav_path", "", "Path to WAV.")
	fs.StringVar(&wavPath, "a", "", "Path to WAV (shorthand).")
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to config.json.")
	fs.StringVar(&configPath, "c", defaultConfigPath(), "Path to config.json (shorthand).")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	boot := logger.New(logger.Options{Level: "debug", Output: stdout})
	if shortName == "" || wavPath == "" {
		fmt.Fprintln(stderr, "both -s/--system_short_name and -a/--audio_wav_path are required")
		fs.Usage()
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		boot.WithError(err).Error("Error while loading configuration")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		boot.WithError(err).Error("Invalid configuration")
		return 1
	}

	log := logger.New(logger.Options{Level: string(cfg.LogLevel), Format: cfg.LogFormat, Output: stdout})
	log = &logger.Logger{Entry: log.WithField("service", appName)}
	log.WithField("config", configPath).Info("Loaded Config File")

	p := pipeline.New(cfg, log)
	if _, err := p.Process(ctx, types.Call{ShortName: shortName, WAVPath: wavPath}); err != nil {
		log.WithError(err).Error("Unexpected error when processing file")
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return filepath.Join(wd, "etc", "config.json")
}
