package common

import "github.com/google/uuid"

// NewCorrelationID generates a short correlation ID, grounded on
// middleware.go's correlationIDMiddleware generation pattern.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}
