package modules

const (
	codeInvalidParams = -32602
	codeServerError   = -32000
)

// ModuleError carries enough context for the transport layer to shape both
// the HTTP status and the JSON-RPC error object.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
