// Package callmeta reads the JSON sidecar trunk-recorder writes next to
// each call recording.
package callmeta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"call-archiver/internal/apperr"
	"call-archiver/internal/types"
)

// Paths are the sibling files derived from one recording path.
type Paths struct {
	Dir     string
	WAVName string
	Stem    string
	WAV     string
	M4A     string
	JSON    string
}

// PathsFor derives the sidecar and transcode paths from the .wav path.
func PathsFor(wavPath string) Paths {
	dir, name := filepath.Split(wavPath)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	base := filepath.Join(dir, stem)
	return Paths{
		Dir:     filepath.Clean(dir),
		WAVName: name,
		Stem:    stem,
		WAV:     wavPath,
		M4A:     base + ".m4a",
		JSON:    base + ".json",
	}
}

// Load decodes the metadata sidecar at path.
func Load(path string) (types.CallRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.MetadataInvalid, "call metadata file %s not found", path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var call types.CallRecord
	if err := dec.Decode(&call); err != nil {
		return nil, apperr.Wrapf(err, apperr.MetadataInvalid, "call metadata file %s is not valid JSON", path)
	}
	if call == nil {
		return nil, apperr.Newf(apperr.MetadataInvalid, "call metadata file %s is empty", path)
	}
	return call, nil
}

// StartTime reads start_time as unix seconds. Numbers and numeric strings
// are both accepted.
func StartTime(call types.CallRecord) (time.Time, bool) {
	v, ok := call["start_time"]
	if !ok {
		return time.Time{}, false
	}

	var secs float64
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case float64:
		secs = n
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	default:
		return time.Time{}, false
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

// MergeURLs writes archive URLs into the record. The compressed artifact
// always wins audio_url; the original only fills it when unset.
func MergeURLs(call types.CallRecord, urls types.URLs) {
	if urls.M4A != "" {
		call["audio_m4a_url"] = urls.M4A
		call["audio_url"] = urls.M4A
	}
	if urls.WAV != "" {
		call["audio_wav_url"] = urls.WAV
		if s, _ := call["audio_url"].(string); s == "" {
			call["audio_url"] = urls.WAV
		}
	}
}

// AudioURL returns the audio_url field, or "" when absent.
func AudioURL(call types.CallRecord) string {
	if s, ok := call["audio_url"].(string); ok {
		return s
	}
	if v, ok := call["audio_url"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
