package remote

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// noMoreReplies is the bulk payload of the terminal sentinel a streaming
// reply emits to tell the reply router to unregister.
const noMoreReplies = "no_more_replies"

// Message is the unit of communication with the broker: a tuple of
// (command, correlation-id, params, bulk) serialized as one length-prefixed
// binary frame carried over the websocket trunk.
type Message struct {
	Command       string
	CorrelationID string
	Params        map[string]interface{}
	Bulk          []byte
}

// NewMessage builds a Message with the given command and params, no
// correlation-id and no bulk.
func NewMessage(command string, params map[string]interface{}) *Message {
	return &Message{Command: command, Params: params}
}

// Replyable reports whether this message carries a non-empty correlation-id
// and can therefore be replied to.
func (m *Message) Replyable() bool {
	return m.CorrelationID != ""
}

// IsTerminalSentinel reports whether this message is the terminal sentinel
// that unregisters a streaming reply: empty command, empty params, bulk
// equal to "no_more_replies".
func (m *Message) IsTerminalSentinel() bool {
	return m.Command == "" && len(m.Params) == 0 && string(m.Bulk) == noMoreReplies
}

func terminalSentinel(correlationID string) *Message {
	return &Message{CorrelationID: correlationID, Params: map[string]interface{}{}, Bulk: []byte(noMoreReplies)}
}

// Exception returns the broker-supplied exception string and true if this
// message's params carry one.
func (m *Message) Exception() (string, bool) {
	v, ok := m.Params["exception"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringParam fetches a required string parameter, erroring if absent or of
// the wrong JSON-decoded type.
func (m *Message) StringParam(key string) (string, error) {
	v, ok := m.Params[key]
	if !ok {
		return "", stateErrorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", stateErrorf("parameter %q is not a string", key)
	}
	return s, nil
}

// IntParam fetches a required numeric parameter. JSON numbers decode as
// float64; this converts to int explicitly rather than via a type
// assertion, since encoding/json never produces an int.
func (m *Message) IntParam(key string) (int, error) {
	v, ok := m.Params[key]
	if !ok {
		return 0, stateErrorf("missing required parameter %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, stateErrorf("parameter %q is not a number", key)
	}
	return int(f), nil
}

// encode serializes the message into the wire frame: four
// length-prefixed sections (command, correlation-id, params-json, bulk).
func (m *Message) encode() ([]byte, error) {
	paramsJSON, err := json.Marshal(m.Params)
	if err != nil {
		return nil, fmt.Errorf("encoding message params: %w", err)
	}
	var buf bytes.Buffer
	for _, section := range [][]byte{[]byte(m.Command), []byte(m.CorrelationID), paramsJSON, m.Bulk} {
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(section))); err != nil {
			return nil, err
		}
		buf.Write(section)
	}
	return buf.Bytes(), nil
}

// decodeMessage parses a wire frame produced by encode.
func decodeMessage(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	sections := make([][]byte, 4)
	for i := range sections {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("decoding message frame: %w", err)
		}
		section := make([]byte, n)
		if _, err := io.ReadFull(r, section); err != nil {
			return nil, fmt.Errorf("decoding message frame: %w", err)
		}
		sections[i] = section
	}
	var params map[string]interface{}
	if len(sections[2]) > 0 {
		if err := json.Unmarshal(sections[2], &params); err != nil {
			return nil, fmt.Errorf("decoding message params: %w", err)
		}
	}
	return &Message{
		Command:       string(sections[0]),
		CorrelationID: string(sections[1]),
		Params:        params,
		Bulk:          sections[3],
	}, nil
}
