package overlayv1

import (
	"encoding/json"
	"fmt"
)

// CodecName is the content subtype of Codec ("application/json",
// "application/connect+json").
const CodecName = "json"

// Codec marshals overlayv1 messages with encoding/json. It replaces the
// protobuf JSON codec connect installs by default, which only accepts
// generated messages.
type Codec struct{}

// Name implements connect.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements connect.Codec.
func (Codec) Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return b, nil
}

// Unmarshal implements connect.Codec. An empty body leaves msg untouched.
func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
