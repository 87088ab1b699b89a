package engine

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// ProgressSource selects what drives a job's progress.
type ProgressSource string

const (
	// TickerProgress advances progress on a fixed cadence.
	TickerProgress ProgressSource = "ticker"
	// BytesProgress derives progress from the bytes the archiver has read.
	// It needs an engine that can measure itself.
	BytesProgress ProgressSource = "bytes"
)

var progressSourceToString = map[ProgressSource]string{
	TickerProgress: "ticker",
	BytesProgress:  "bytes",
}

var stringToProgressSource map[string]ProgressSource

func init() {
	stringToProgressSource = util.InvertMap(progressSourceToString)
}

func (p ProgressSource) String() string {
	if str, ok := progressSourceToString[p]; ok {
		return str
	}
	return fmt.Sprintf("unknown_progress_source(%s)", string(p))
}

// ParseProgressSource parses a string into a ProgressSource. An empty string selects the ticker.
func ParseProgressSource(s string) (ProgressSource, error) {
	if s == "" {
		return TickerProgress, nil
	}
	if p, ok := stringToProgressSource[s]; ok {
		return p, nil
	}
	return "", fmt.Errorf("invalid progress source: %q. Must be 'ticker' or 'bytes'", s)
}

// MarshalJSON implements the json.Marshaler interface for ProgressSource.
func (p ProgressSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ProgressSource.
func (p *ProgressSource) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("progress source should be a string, got %s", data)
	}
	parsed, err := ParseProgressSource(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
