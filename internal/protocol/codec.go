package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CreateMessage encodes a frame. A nil data value is omitted from the
// output; pass json.RawMessage("null") to send an explicit null.
func CreateMessage(key MessageKey, data any) ([]byte, error) {
	frame := Frame{Key: key}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", key, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// MustCreateMessage is for payloads that cannot fail to encode.
func MustCreateMessage(key MessageKey, data any) []byte {
	b, err := CreateMessage(key, data)
	if err != nil {
		panic(err)
	}
	return b
}

// SafeParse reports false for anything that is not a JSON object with a key.
func SafeParse(line []byte) (Frame, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Frame{}, false
	}

	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return Frame{}, false
	}
	if frame.Key == "" {
		return Frame{}, false
	}
	return frame, true
}
