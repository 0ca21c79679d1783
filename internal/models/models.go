// Package models defines the core data structures for the FixMyRV SMS service.
//
// It includes members, conversations, messages, inbound webhook payloads and the
// JSON envelope the HTTP API answers with.
package models

// APIStatus is the top-level outcome reported in every JSON response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope shared by the admin API and webhook error replies.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Code    string    `json:"code,omitempty"` // machine-readable error code, e.g. INVALID_PAYLOAD
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage is Success with a human-readable note.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error returns an error envelope without a code.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// ErrorWithCode returns an error envelope that callers can branch on by code.
func ErrorWithCode(code, message string) APIResponse {
	return APIResponse{Status: APIStatusError, Code: code, Message: message}
}
