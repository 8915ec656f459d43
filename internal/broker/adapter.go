package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// PositionInfo is one holding as reported by the venue.
type PositionInfo struct {
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

// Adapter is the capability set every venue implements. Concrete variants
// (paper simulation, live venues) are selected via configuration; the rest
// of the system only sees this interface.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SubmitOrder(ctx context.Context, order domain.Order) error
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) (map[string]PositionInfo, error)
	GetCash(ctx context.Context) (float64, error)
	GetPortfolioValue(ctx context.Context) (float64, error)
}

// FillMirror is implemented by adapters that track account state locally
// (the paper simulation). The engine mirrors every fill it applies so the
// adapter's account endpoints stay authoritative for reconciliation.
type FillMirror interface {
	MirrorFill(fill domain.Fill)
}

// Broker error types. Transient types are retried with backoff; terminal
// types are surfaced immediately and never retried.
const (
	ErrTypeTimeout      = "timeout"
	ErrTypeRateLimit    = "rate_limit"
	ErrTypeNetwork      = "network"
	ErrTypeCircuitOpen  = "circuit_open"
	ErrTypeAuth         = "auth"
	ErrTypeInvalidOrder = "invalid_order"
)

// BrokerError classifies a venue failure.
type BrokerError struct {
	Type    string
	Message string
	Cause   error
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("broker %s error: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("broker %s error: %s", e.Type, e.Message)
}

func (e *BrokerError) Unwrap() error { return e.Cause }

// Transient reports whether the failure is worth retrying.
func (e *BrokerError) Transient() bool {
	switch e.Type {
	case ErrTypeAuth, ErrTypeInvalidOrder:
		return false
	default:
		return true
	}
}

// IsTransient classifies any error for retry purposes. Unclassified
// failures, including context deadlines, are retried; terminal
// classification is always explicit.
func IsTransient(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Transient()
	}
	return true
}

func NewTimeoutError(message string, cause error) *BrokerError {
	return &BrokerError{Type: ErrTypeTimeout, Message: message, Cause: cause}
}

func NewRateLimitError(message string) *BrokerError {
	return &BrokerError{Type: ErrTypeRateLimit, Message: message}
}

func NewNetworkError(message string, cause error) *BrokerError {
	return &BrokerError{Type: ErrTypeNetwork, Message: message, Cause: cause}
}

func NewAuthError(message string) *BrokerError {
	return &BrokerError{Type: ErrTypeAuth, Message: message}
}

func NewInvalidOrderError(message string) *BrokerError {
	return &BrokerError{Type: ErrTypeInvalidOrder, Message: message}
}
