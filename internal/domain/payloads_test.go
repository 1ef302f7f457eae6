package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestValidatePayload_Sync(t *testing.T) {
	ok := mustJSON(t, SyncPayload{Provider: "bitso", UserID: "u1", ConnectionID: "c1"})
	require.NoError(t, ValidatePayload(KindSyncTransactions, ok))

	missing := mustJSON(t, SyncPayload{Provider: "bitso"})
	err := ValidatePayload(KindSyncTransactions, missing)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestValidatePayload_Email(t *testing.T) {
	ok := mustJSON(t, EmailPayload{To: "a@b.co", Template: "weekly-report"})
	require.NoError(t, ValidatePayload(KindSendEmail, ok))

	badAddr := mustJSON(t, EmailPayload{To: "not-an-email", Template: "x"})
	require.ErrorIs(t, ValidatePayload(KindSendEmail, badAddr), ErrInvalidArgument)

	badPrio := mustJSON(t, EmailPayload{To: "a@b.co", Template: "x", Priority: "urgent"})
	require.ErrorIs(t, ValidatePayload(KindSendEmail, badPrio), ErrInvalidArgument)
}

func TestValidatePayload_Snapshot(t *testing.T) {
	ok := mustJSON(t, SnapshotPayload{SpaceID: "S1", Date: "2025-03-15"})
	require.NoError(t, ValidatePayload(KindValuationSnapshot, ok))

	noDate := mustJSON(t, SnapshotPayload{SpaceID: "S1"})
	require.NoError(t, ValidatePayload(KindValuationSnapshot, noDate))

	badDate := mustJSON(t, SnapshotPayload{SpaceID: "S1", Date: "15/03/2025"})
	require.ErrorIs(t, ValidatePayload(KindValuationSnapshot, badDate), ErrInvalidArgument)
}

func TestValidatePayload_PropertyModes(t *testing.T) {
	require.NoError(t, ValidatePayload(KindPropertyValuation,
		mustJSON(t, PropertyValuationPayload{Mode: PropertyRefreshAll})))
	require.NoError(t, ValidatePayload(KindPropertyValuation,
		mustJSON(t, PropertyValuationPayload{Mode: PropertyRefreshSingle, PropertyID: "p1"})))

	// refresh-single without a property id is invalid.
	require.ErrorIs(t, ValidatePayload(KindPropertyValuation,
		mustJSON(t, PropertyValuationPayload{Mode: PropertyRefreshSingle})), ErrInvalidArgument)
	require.ErrorIs(t, ValidatePayload(KindPropertyValuation,
		mustJSON(t, PropertyValuationPayload{Mode: "refresh-world"})), ErrInvalidArgument)
}

func TestValidatePayload_ESG(t *testing.T) {
	require.NoError(t, ValidatePayload(KindESGUpdate, mustJSON(t, ESGPayload{Symbols: []string{"BTC"}})))
	require.ErrorIs(t, ValidatePayload(KindESGUpdate, mustJSON(t, ESGPayload{})), ErrInvalidArgument)
}

func TestValidatePayload_UnknownKind(t *testing.T) {
	require.ErrorIs(t, ValidatePayload(JobKind("mystery"), []byte(`{}`)), ErrInvalidArgument)
}

func TestValidatePayload_MalformedJSON(t *testing.T) {
	require.ErrorIs(t, ValidatePayload(KindSendEmail, []byte(`{`)), ErrInvalidArgument)
}

func TestPayloadUserID(t *testing.T) {
	require.Equal(t, "u42", PayloadUserID(mustJSON(t, SyncPayload{Provider: "p", UserID: "u42", ConnectionID: "c"})))
	require.Equal(t, "", PayloadUserID(mustJSON(t, CategorizePayload{SpaceID: "s"})))
	require.Equal(t, "", PayloadUserID([]byte(`not-json`)))
}
