package voice

import "encoding/json"

// FrameKind selects the websocket message type a frame is written as.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Encoder turns envelopes into frames and back.
type Encoder interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
	FrameKind() FrameKind
}

// JSONEncoder is the default Encoder.
type JSONEncoder struct{}

func (JSONEncoder) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONEncoder) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (JSONEncoder) FrameKind() FrameKind { return FrameText }

// Event is an inbound voice gateway envelope.
type Event struct {
	Opcode  Opcode          `json:"op"`
	RawData json.RawMessage `json:"d"`
}

// outboundEvent is an outbound voice gateway envelope.
type outboundEvent struct {
	Opcode Opcode      `json:"op"`
	Data   interface{} `json:"d"`
}
