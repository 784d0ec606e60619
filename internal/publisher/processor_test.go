package publisher

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmint/storagegate/internal/domain/model"
)

func signedRow(v *HMACVerifier, id int64, eventName string, payload, sendOptions []byte) model.EventLogRow {
	return model.EventLogRow{
		ID:          id,
		EventName:   eventName,
		Payload:     payload,
		SendOptions: sendOptions,
		Signature:   v.Sign(eventName, payload, sendOptions),
		Status:      model.EventStatusPending,
	}
}

func TestPartitionRowsAllValid(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"))
	rows := []model.EventLogRow{
		signedRow(v, 1, "object-created", []byte(`{"key":"a"}`), []byte(`{"url":"https://example.com"}`)),
		signedRow(v, 2, "object-created", []byte(`{"key":"b"}`), nil),
		signedRow(v, 3, "object-deleted", []byte(`{"key":"c"}`), nil),
	}

	inserts, validIDs, invalidIDs := partitionRows("t1", rows, v)

	require.Len(t, inserts, 3)
	assert.Equal(t, []int64{1, 2, 3}, validIDs)
	assert.Empty(t, invalidIDs)
}

func TestPartitionRowsQuarantinesExactlyTamperedRows(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"))
	rows := make([]model.EventLogRow, 0, 10)
	for i := int64(1); i <= 10; i++ {
		row := signedRow(v, i, "object-created", []byte(fmt.Sprintf(`{"n":%d}`, i)), nil)
		// Tamper with rows 3 and 7 after signing.
		if i == 3 || i == 7 {
			row.Payload = []byte(`{"n":"forged"}`)
		}
		rows = append(rows, row)
	}

	inserts, validIDs, invalidIDs := partitionRows("t1", rows, v)

	assert.Equal(t, []int64{3, 7}, invalidIDs)
	assert.Len(t, inserts, 8)
	assert.Len(t, validIDs, 8)
	assert.NotContains(t, validIDs, int64(3))
	assert.NotContains(t, validIDs, int64(7))
}

func TestPartitionRowsPreservesRowOrder(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"))
	rows := []model.EventLogRow{
		signedRow(v, 5, "object-created", []byte(`{"seq":1}`), nil),
		signedRow(v, 9, "object-created", []byte(`{"seq":2}`), nil),
		signedRow(v, 12, "object-created", []byte(`{"seq":3}`), nil),
	}

	inserts, validIDs, _ := partitionRows("t1", rows, v)

	assert.Equal(t, []int64{5, 9, 12}, validIDs, "forwarding follows row id order")
	for i, ins := range inserts {
		var event model.QueuedEvent
		require.NoError(t, json.Unmarshal(ins.Data, &event))
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), string(event.Payload))
	}
}

func TestPartitionRowsBuildsQueuedEventPayload(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"))
	sendOptions := []byte(`{"url":"https://hooks.example.com/x"}`)
	rows := []model.EventLogRow{
		signedRow(v, 1, "object-created", []byte(`{"key":"a"}`), sendOptions),
	}

	inserts, _, _ := partitionRows("tenant-42", rows, v)
	require.Len(t, inserts, 1)

	assert.Equal(t, "object-created", inserts[0].Queue)

	var event model.QueuedEvent
	require.NoError(t, json.Unmarshal(inserts[0].Data, &event))
	assert.Equal(t, "tenant-42", event.TenantID)
	assert.Equal(t, "object-created", event.EventName)
	assert.JSONEq(t, string(sendOptions), string(event.SendOptions))
}

func TestHMACVerifierRejectsWrongSecret(t *testing.T) {
	signer := NewHMACVerifier([]byte("writer-secret"))
	verifier := NewHMACVerifier([]byte("other-secret"))

	payload := []byte(`{"key":"a"}`)
	sig := signer.Sign("object-created", payload, nil)

	assert.True(t, signer.Verify("object-created", payload, nil, sig))
	assert.False(t, verifier.Verify("object-created", payload, nil, sig))
}

func TestHMACVerifierBindsAllTupleFields(t *testing.T) {
	v := NewHMACVerifier([]byte("secret"))
	payload := []byte(`{"key":"a"}`)
	sendOptions := []byte(`{"url":"https://example.com"}`)
	sig := v.Sign("object-created", payload, sendOptions)

	assert.True(t, v.Verify("object-created", payload, sendOptions, sig))
	assert.False(t, v.Verify("object-deleted", payload, sendOptions, sig), "event name is bound")
	assert.False(t, v.Verify("object-created", []byte(`{"key":"b"}`), sendOptions, sig), "payload is bound")
	assert.False(t, v.Verify("object-created", payload, []byte(`{}`), sig), "send options are bound")
	assert.False(t, v.Verify("object-created", payload, sendOptions, ""), "empty signature never passes")
}
