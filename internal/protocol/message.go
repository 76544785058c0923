package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one JSON protocol message. Data stays raw until a handler
// decodes it for the payload type its key implies.
type Frame struct {
	Key  MessageKey      `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %q has no data", f.Key)
	}
	return json.Unmarshal(f.Data, v)
}

const RoleSystem = "system"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type InferenceRequest struct {
	Key      string        `json:"key"`
	Messages []ChatMessage `json:"messages"`
}

type ChallengeRequest struct {
	Challenge Bytes `json:"challenge"`
}

type ChallengeResponse struct {
	Signature Bytes `json:"signature"`
}

type VersionMismatch struct {
	MinVersion string `json:"minVersion"`
}

type InferenceError struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// MetricsReport carries the cumulative stream state of one request.
type MetricsReport struct {
	PeerID    string `json:"peerId"`
	Metrics   any    `json:"metrics"`
	Timestamp int64  `json:"timestamp"`
}

// Bytes marshals like a Node.js Buffer ({"type":"Buffer","data":[...]})
// and also accepts a plain byte array or a hex string.
type Bytes []byte

type bufferJSON struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	data := make([]int, len(b))
	for i, v := range b {
		data[i] = int(v)
	}
	return json.Marshal(bufferJSON{Type: "Buffer", Data: data})
}

func (b *Bytes) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 {
		return errors.New("empty bytes value")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode hex bytes: %w", err)
		}
		*b = decoded
		return nil
	case '[':
		var data []int
		if err := json.Unmarshal(raw, &data); err != nil {
			return err
		}
		return b.fromInts(data)
	case '{':
		var buf bufferJSON
		if err := json.Unmarshal(raw, &buf); err != nil {
			return err
		}
		return b.fromInts(buf.Data)
	default:
		return fmt.Errorf("unsupported bytes encoding: %s", raw)
	}
}

func (b *Bytes) fromInts(data []int) error {
	out := make([]byte, len(data))
	for i, v := range data {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value out of range at %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
