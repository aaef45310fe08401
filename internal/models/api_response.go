package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound message was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse is the standard JSON envelope returned by every endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response. The webhook returns this even
// when handling degrades, so the gateway never retries delivery.
func Accepted() APIResponse {
	return APIResponse{Status: string(APIStatusAccepted)}
}
