package transcode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"call-archiver/internal/apperr"
)

var (
	statsBlockPattern = regexp.MustCompile(`(?s)\{.*?\}`)
	// loudnorm sometimes prints the offset only as loose text.
	offsetPattern = regexp.MustCompile(`offset\s*:\s*([-\d.]+)`)
)

// LoudnessTarget is the EBU R128 profile the encoder aims for.
type LoudnessTarget struct {
	Integrated    float64 // I, LUFS
	TruePeak      float64 // TP, dBTP
	LoudnessRange float64 // LRA, LU
	Linear        bool
}

// DefaultLoudnessTarget matches the values written in a fresh config file.
func DefaultLoudnessTarget() LoudnessTarget {
	return LoudnessTarget{Integrated: -16.0, TruePeak: -1.5, LoudnessRange: 11.0, Linear: true}
}

// Measurement holds the first pass statistics consumed by the second pass.
type Measurement struct {
	InputI      float64 `json:"input_i"`
	InputTP     float64 `json:"input_tp"`
	InputLRA    float64 `json:"input_lra"`
	InputThresh float64 `json:"input_thresh"`
	Offset      float64 `json:"offset"`
}

func (t LoudnessTarget) params() []string {
	parts := []string{
		"I=" + formatFloat(t.Integrated),
		"TP=" + formatFloat(t.TruePeak),
		"LRA=" + formatFloat(t.LoudnessRange),
	}
	if t.Linear {
		parts = append(parts, "linear=true")
	}
	return parts
}

func measureFilter(t LoudnessTarget) string {
	return "loudnorm=" + strings.Join(append(t.params(), "print_format=json"), ":")
}

func applyFilter(t LoudnessTarget, m Measurement) string {
	parts := append(t.params(),
		"measured_I="+formatFloat(m.InputI),
		"measured_TP="+formatFloat(m.InputTP),
		"measured_LRA="+formatFloat(m.InputLRA),
		"measured_thresh="+formatFloat(m.InputThresh),
		"offset="+formatFloat(m.Offset),
		"print_format=summary",
	)
	return "loudnorm=" + strings.Join(parts, ":")
}

// parseMeasurement extracts loudnorm statistics from ffmpeg's stderr.
func parseMeasurement(stderr string) (Measurement, error) {
	block := statsBlockPattern.FindString(stderr)
	if block == "" {
		return Measurement{}, apperr.New(apperr.MeasurementParseFailed, "no loudnorm JSON found in measurement output")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return Measurement{}, apperr.Wrap(err, apperr.MeasurementParseFailed, "malformed loudnorm JSON")
	}

	var m Measurement
	fields := []struct {
		key string
		dst *float64
	}{
		{"input_i", &m.InputI},
		{"input_tp", &m.InputTP},
		{"input_lra", &m.InputLRA},
		{"input_thresh", &m.InputThresh},
	}
	for _, f := range fields {
		value, ok := raw[f.key]
		if !ok {
			return Measurement{}, apperr.Newf(apperr.MeasurementParseFailed, "loudnorm JSON is missing %s", f.key)
		}
		v, err := jsonNumber(value)
		if err != nil {
			return Measurement{}, apperr.Wrapf(err, apperr.MeasurementParseFailed, "loudnorm %s is not numeric", f.key)
		}
		*f.dst = v
	}

	m.Offset = recoverOffset(stderr)
	return m, nil
}

// recoverOffset scans the raw diagnostic text; absence means 0.
func recoverOffset(stderr string) float64 {
	match := offsetPattern.FindStringSubmatch(stderr)
	if match == nil {
		return 0
	}
	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	return v
}

// jsonNumber accepts both "-23.5" and -23.5; ffmpeg prints strings.
func jsonNumber(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("decode %s: %w", string(raw), err)
	}
	return f, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
