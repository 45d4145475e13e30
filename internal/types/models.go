package types

// Call identifies the recording handed to one uploader invocation.
type Call struct {
	ShortName string `json:"short_name"`
	WAVPath   string `json:"audio_wav_path"`
}

// CallRecord is the trunk-recorder metadata sidecar. It is kept as a
// generic document so fields this tool does not know about survive the
// round trip to the notification endpoint.
type CallRecord map[string]any

// URLs holds the public address of every artifact that was archived.
type URLs struct {
	WAV  string `json:"audio_wav_url,omitempty"`
	M4A  string `json:"audio_m4a_url,omitempty"`
	JSON string `json:"json_url,omitempty"`
	// Failures maps artifact extension to the upload error.
	Failures map[string]error `json:"-"`
}

// Empty reports that no artifact reached the archive.
func (u URLs) Empty() bool {
	return u.WAV == "" && u.M4A == "" && u.JSON == ""
}
