// Package models defines the core data structures for FlowCloser.
//
// It includes lead records, inbound/outbound message types and the JSON
// response envelope shared by the HTTP handlers.
package models

// Platform identifies the messaging platform a lead reached us through.
type Platform string

const (
	// PlatformInstagram is an Instagram Direct conversation.
	PlatformInstagram Platform = "instagram"
	// PlatformMessenger is a Facebook Page (Messenger) conversation.
	PlatformMessenger Platform = "messenger"
	// PlatformWhatsApp is a WhatsApp conversation, regardless of provider.
	PlatformWhatsApp Platform = "whatsapp"
	// PlatformAPI is a direct call to the agent HTTP endpoint.
	PlatformAPI Platform = "api"
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusDelivered indicates the recipient device received the message.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the recipient read the message.
	MessageStatusRead MessageStatus = "read"
)

// Receipt records the outcome of an outbound message.
type Receipt struct {
	To       string        `json:"to"`
	Provider string        `json:"provider"`
	Status   MessageStatus `json:"status"`
	Time     int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Code    string      `json:"code,omitempty"`    // machine readable error code
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithCode sets the machine readable error code.
func (b *APIResponseBuilder) WithCode(code ErrorCode) *APIResponseBuilder {
	b.response.Code = string(code)
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithCode creates an error API response carrying an error code.
func ErrorWithCode(code ErrorCode, message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithCode(code).
		WithMessage(message).
		Build()
}
