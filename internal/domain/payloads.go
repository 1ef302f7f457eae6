package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SyncPayload triggers a provider synchronization for one connection. The
// blockchain provider scans read-only manual wallets, so it carries no stored
// connection id.
type SyncPayload struct {
	Provider     string `json:"provider" validate:"required"`
	UserID       string `json:"userId" validate:"required"`
	ConnectionID string `json:"connectionId,omitempty" validate:"required_unless=Provider blockchain"`
	FullSync     bool   `json:"fullSync"`
}

// CategorizePayload categorizes specific transactions, or every uncategorized
// transaction in the space when TransactionIDs is empty.
type CategorizePayload struct {
	SpaceID        string   `json:"spaceId" validate:"required"`
	TransactionIDs []string `json:"transactionIds,omitempty"`
}

// ESGPayload refreshes ESG data for a symbol set.
type ESGPayload struct {
	Symbols      []string `json:"symbols" validate:"required,min=1,dive,required"`
	ForceRefresh bool     `json:"forceRefresh"`
}

// SnapshotPayload upserts day-granularity valuation snapshots for a space.
// Date is YYYY-MM-DD; empty means "today" at processing time.
type SnapshotPayload struct {
	SpaceID string `json:"spaceId" validate:"required"`
	Date    string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// EmailPayload delivers one templated email. Priority is a producer-side hint
// ("high", "low", or empty) remapped to a numeric queue priority at enqueue.
type EmailPayload struct {
	To       string         `json:"to" validate:"required,email"`
	Template string         `json:"template" validate:"required"`
	Data     map[string]any `json:"data,omitempty"`
	Priority string         `json:"priority,omitempty" validate:"omitempty,oneof=high low"`
}

// Property valuation refresh modes.
const (
	PropertyRefreshSingle = "refresh-single"
	PropertyRefreshSpace  = "refresh-space"
	PropertyRefreshAll    = "refresh-all"
)

// PropertyValuationPayload refreshes external property valuations.
type PropertyValuationPayload struct {
	Mode       string `json:"mode" validate:"required,oneof=refresh-single refresh-space refresh-all"`
	PropertyID string `json:"propertyId,omitempty" validate:"required_if=Mode refresh-single"`
	SpaceID    string `json:"spaceId,omitempty" validate:"required_if=Mode refresh-space"`
}

// PatternRetrainPayload retrains categorization patterns for one space.
type PatternRetrainPayload struct {
	SpaceID string `json:"spaceId" validate:"required"`
}

// PatternHotRefreshPayload invalidates pattern caches for spaces with recent
// corrections.
type PatternHotRefreshPayload struct {
	SpaceIDs []string `json:"spaceIds" validate:"required,min=1"`
}

// ConnectionHealthPayload runs the per-space connection health classification.
type ConnectionHealthPayload struct {
	SpaceID string `json:"spaceId" validate:"required"`
}

// ValidatePayload checks that raw conforms to the contract of kind. It is the
// producer-side guard; a violation is a synchronous ValidationError.
func ValidatePayload(kind JobKind, raw json.RawMessage) error {
	var target any
	switch kind {
	case KindSyncTransactions:
		target = &SyncPayload{}
	case KindCategorizeTransactions:
		target = &CategorizePayload{}
	case KindESGUpdate:
		target = &ESGPayload{}
	case KindValuationSnapshot:
		target = &SnapshotPayload{}
	case KindSendEmail:
		target = &EmailPayload{}
	case KindPropertyValuation:
		target = &PropertyValuationPayload{}
	case KindPatternRetrain:
		target = &PatternRetrainPayload{}
	case KindPatternHotRefresh:
		target = &PatternHotRefreshPayload{}
	case KindConnectionHealth:
		target = &ConnectionHealthPayload{}
	default:
		return fmt.Errorf("%w: unrecognized kind %q", ErrInvalidArgument, kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: payload for %s: %v", ErrInvalidArgument, kind, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: payload for %s: %v", ErrInvalidArgument, kind, err)
	}
	return nil
}

// MarshalPayload serializes a payload struct into the opaque envelope form.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=domain.MarshalPayload: %w", err)
	}
	return b, nil
}

// PayloadUserID extracts the userId field when the payload carries one, for
// processor context tagging. Best effort; empty when absent.
func PayloadUserID(raw json.RawMessage) string {
	var probe struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.UserID
}
