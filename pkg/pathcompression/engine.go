package pathcompression

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-backupd/pkg/util"
)

// Engine selects how archives are produced.
type Engine string

const (
	// ToolEngine runs the external tar binary as a child process.
	ToolEngine Engine = "tool"
	// NativeEngine writes the archive in-process.
	NativeEngine Engine = "native"
)

var engineToString = map[Engine]string{
	ToolEngine:   "tool",
	NativeEngine: "native",
}

var stringToEngine map[string]Engine

func init() {
	stringToEngine = util.InvertMap(engineToString)
}

func (e Engine) String() string {
	if str, ok := engineToString[e]; ok {
		return str
	}
	return fmt.Sprintf("unknown_archive_engine(%s)", string(e))
}

// ParseEngine parses a string into an Engine. An empty string selects the tool engine.
func ParseEngine(s string) (Engine, error) {
	if s == "" {
		return ToolEngine, nil
	}
	if e, ok := stringToEngine[s]; ok {
		return e, nil
	}
	return "", fmt.Errorf("invalid archive engine: %q. Must be 'tool' or 'native'", s)
}

// MarshalJSON implements the json.Marshaler interface for Engine.
func (e Engine) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Engine.
func (e *Engine) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("archive engine should be a string, got %s", data)
	}
	parsed, err := ParseEngine(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
