package config

// Default returns the configuration written on first launch.
func Default() Config {
	return Config{
		LogLevel:     "info",
		TempFilePath: "/dev/shm",
		Compression: Compression{
			Enabled:       true,
			SampleRate:    16000,
			Bitrate:       96,
			Normalization: true,
			UseLoudnorm:   true,
			LoudnormParams: Loudnorm{
				I:      -16.0,
				TP:     -1.5,
				LRA:    11.0,
				Linear: true,
			},
			Codec:      "aac",
			FFmpegPath: "ffmpeg",
		},
		Archive: Archive{
			Enabled:           false,
			ArchiveType:       ArchiveSCP,
			ArchiveExtensions: []string{".wav", ".m4a", ".json"},
			GoogleCloud:       GCS{Retry: Retry{MaxAttempts: 1, RetryDelaySeconds: 5}},
			AWSS3:             S3{Retry: Retry{MaxAttempts: 1, RetryDelaySeconds: 5}},
			SCP: SCP{
				Port:    22,
				BaseURL: "https://example.com/audio",
				Retry:   Retry{MaxAttempts: 3, RetryDelaySeconds: 5},
			},
			Local: Local{
				BaseURL:   "https://example.com/audio",
				LocalPath: "/srv/audio_files",
				Retry:     Retry{MaxAttempts: 1, RetryDelaySeconds: 5},
			},
		},
		RdioSystems: []RdioSystem{},
	}
}
