package transcode

import (
	"strings"
	"testing"

	"call-archiver/internal/apperr"
)

const sampleStats = `[Parsed_loudnorm_0 @ 0x55d]
{
	"input_i" : "-27.61",
	"input_tp" : "-4.47",
	"input_lra" : "18.06",
	"input_thresh" : "-39.20",
	"output_i" : "-16.58",
	"output_tp" : "-1.50",
	"output_lra" : "14.78",
	"output_thresh" : "-27.71",
	"normalization_type" : "dynamic",
	"target_offset" : "0.58"
}
size=N/A time=00:00:12.00`

// TestParseMeasurement reads the four input statistics from ffmpeg stderr.
func TestParseMeasurement(t *testing.T) {
	m, err := parseMeasurement(sampleStats)
	if err != nil {
		t.Fatalf("parseMeasurement() error = %v", err)
	}
	if m.InputI != -27.61 || m.InputTP != -4.47 || m.InputLRA != 18.06 || m.InputThresh != -39.20 {
		t.Fatalf("measurement = %+v", m)
	}
	if m.Offset != 0 {
		t.Fatalf("offset = %v, want 0 when no loose offset text", m.Offset)
	}
}

// TestParseMeasurementOffsetRecovered picks up the loose offset line.
func TestParseMeasurementOffsetRecovered(t *testing.T) {
	m, err := parseMeasurement(sampleStats + "\noffset : -3.2\n")
	if err != nil {
		t.Fatalf("parseMeasurement() error = %v", err)
	}
	if m.Offset != -3.2 {
		t.Fatalf("offset = %v, want -3.2", m.Offset)
	}
}

// TestParseMeasurementFailures covers missing blocks and keys.
func TestParseMeasurementFailures(t *testing.T) {
	cases := map[string]string{
		"no block":    "size=N/A time=00:00:12.00",
		"malformed":   "{ input_i: nope }",
		"missing key": `{"input_i": "-20", "input_tp": "-1", "input_lra": "5"}`,
		"non numeric": `{"input_i": "x", "input_tp": "-1", "input_lra": "5", "input_thresh": "-30"}`,
	}
	for name, stderr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMeasurement(stderr)
			if !apperr.IsCode(err, apperr.MeasurementParseFailed) {
				t.Fatalf("err = %v, want measurement_parse_failed", err)
			}
		})
	}
}

// TestApplyFilterMeasuredKeys checks the second pass carries exactly four measured values.
func TestApplyFilterMeasuredKeys(t *testing.T) {
	m := Measurement{InputI: -27.61, InputTP: -4.47, InputLRA: 18.06, InputThresh: -39.2, Offset: 0.58}
	filter := applyFilter(DefaultLoudnessTarget(), m)

	if !strings.HasPrefix(filter, "loudnorm=I=-16:TP=-1.5:LRA=11:linear=true:") {
		t.Fatalf("filter = %q", filter)
	}
	if got := strings.Count(filter, "measured_"); got != 4 {
		t.Fatalf("measured keys = %d, want 4 in %q", got, filter)
	}
	for _, want := range []string{
		"measured_I=-27.61", "measured_TP=-4.47", "measured_LRA=18.06",
		"measured_thresh=-39.2", "offset=0.58", "print_format=summary",
	} {
		if !strings.Contains(filter, want) {
			t.Errorf("filter missing %q: %s", want, filter)
		}
	}
}

func TestMeasureFilterWithoutLinear(t *testing.T) {
	target := LoudnessTarget{Integrated: -23, TruePeak: -2, LoudnessRange: 7}
	if got, want := measureFilter(target), "loudnorm=I=-23:TP=-2:LRA=7:print_format=json"; got != want {
		t.Fatalf("measureFilter() = %q, want %q", got, want)
	}
}
