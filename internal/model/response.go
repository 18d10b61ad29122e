package model

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// NewErrorResponse builds the error envelope for status code and message.
func NewErrorResponse(code int, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}
}

// CreatedKey is returned exactly once, when a key is issued. Key holds the
// plaintext secret.
type CreatedKey struct {
	Key         string   `json:"key"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Prefix      string   `json:"prefix"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"createdAt"`
	ExpiresAt   *int64   `json:"expiresAt"`
}

// NewCreatedKey pairs a freshly issued key record with its plaintext.
func NewCreatedKey(plaintext string, k *APIKey) CreatedKey {
	v := k.View()
	return CreatedKey{
		Key:         plaintext,
		ID:          v.ID,
		Name:        v.Name,
		Prefix:      v.Prefix,
		Permissions: v.Permissions,
		CreatedAt:   v.CreatedAt,
		ExpiresAt:   v.ExpiresAt,
	}
}
