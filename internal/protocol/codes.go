package protocol

// Code classifies the outcome of dispatching a synthetic-domain command.
// Codes below CodeSuccess are errors and mirror JSON-RPC error semantics;
// CodeFallthrough means the command is not ours and must be forwarded to the
// real browser untouched.
type Code int

const (
	CodeSuccess     Code = 0
	CodeFallthrough Code = 1

	CodeParseError      Code = -32700
	CodeInvalidRequest  Code = -32600
	CodeMethodNotFound  Code = -32601
	CodeInvalidParams   Code = -32602
	CodeInternalError   Code = -32603
	CodeServerError     Code = -32000
	CodeSessionNotFound Code = -32001
)

var codeMessages = map[Code]string{
	CodeSuccess:         "Success",
	CodeFallthrough:     "Fallthrough",
	CodeParseError:      "Parse error",
	CodeInvalidRequest:  "Invalid request",
	CodeMethodNotFound:  "Method not found",
	CodeInvalidParams:   "Invalid params",
	CodeInternalError:   "Internal error",
	CodeServerError:     "Server error",
	CodeSessionNotFound: "Session not found",
}

func (c Code) IsError() bool {
	return c < CodeSuccess
}

func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}
