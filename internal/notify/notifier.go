// Package notify hands outbound messages (OTP codes, verification links) to the delivery
// system. Delivery and retries belong to the consumer on the other side; Send only hands off.
package notify

import (
	"context"
	"time"
)

// Message kinds.
const (
	KindOTP              = "otp"
	KindVerificationLink = "verification_link"
)

// Message is the payload handed to the delivery system.
type Message struct {
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier sends a message to a destination (an email address). Callers treat it as
// fire-and-forget: an error is logged, never surfaced to the end user.
type Notifier interface {
	Send(ctx context.Context, destination string, msg Message) error
	Close() error
}
