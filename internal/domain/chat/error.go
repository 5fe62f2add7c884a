package chat

// Error types and codes reported to clients.
const (
	ErrorTypeContentPolicy  = "content_policy_violation"
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeUpstream       = "upstream_error"
	ErrorTypeInternal       = "internal_error"

	ErrorCodeContentBlocked = "content_blocked"
)

// ErrorBody is the OpenAI-style error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorBody builds an error envelope.
func NewErrorBody(message, errType, code string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}
