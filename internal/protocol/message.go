package protocol

import (
	"encoding/json"
)

// Message is the wire envelope for one CDP-style JSON-RPC exchange. The same
// struct carries commands (id + method), events (method only) and responses
// (id + result or error). SessionID disambiguates flat CDP sessions
// multiplexed on a single socket.
type Message struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Error mirrors the JSON-RPC error object.
type Error struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func ParseMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Message) IsCommand() bool {
	return m.ID != nil && m.Method != ""
}

func (m *Message) IsEvent() bool {
	return m.ID == nil && m.Method != ""
}

func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// UnmarshalParams decodes the params payload into v.
func (m *Message) UnmarshalParams(v interface{}) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

func (m *Message) Encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		// The envelope only holds JSON-encodable fields; a marshal failure
		// here means a handler produced an unencodable result.
		return []byte(`{"error":{"code":-32603,"message":"Internal error"}}`)
	}
	return data
}

// NewResponse builds the success reply for req, carrying the same
// id/sessionId so clients can correlate it.
func NewResponse(req *Message, result interface{}) *Message {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(req, CodeInternalError, err.Error())
	}
	return &Message{
		ID:        req.ID,
		SessionID: req.SessionID,
		Result:    data,
	}
}

// NewErrorResponse builds the error reply for req. An empty detail falls back
// to the code's standard message.
func NewErrorResponse(req *Message, code Code, detail string) *Message {
	e := &Error{Code: code, Message: code.Message()}
	if detail != "" {
		e.Data = detail
	}
	return &Message{
		ID:        req.ID,
		SessionID: req.SessionID,
		Error:     e,
	}
}

// NewEvent builds a server-initiated event message.
func NewEvent(method string, params interface{}) *Message {
	data, _ := json.Marshal(params)
	return &Message{
		Method: method,
		Params: data,
	}
}
