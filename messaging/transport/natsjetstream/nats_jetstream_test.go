package natsjetstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bizobj/messaging"
)

func TestMarshalUnmarshal(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &messaging.Message{
		ID:        "evt-1",
		Type:      "customer.updated",
		Timestamp: ts,
		Payload:   map[string]any{"entity_id": 42.0},
		Metadata:  map[string]any{"tenant_id": "tenant-a"},
	}
	data, err := marshalMessage(msg)
	require.NoError(t, err)

	decoded, err := unmarshalMessage(data)
	require.NoError(t, err)

	require.Equal(t, msg.ID, decoded.GetID())
	require.Equal(t, msg.Type, decoded.GetType())
	require.Equal(t, ts.UnixNano(), decoded.GetTimestamp().UnixNano())
	payload := decoded.GetPayload().(map[string]any)
	require.Equal(t, 42.0, payload["entity_id"])
	metadata := decoded.GetMetadata()
	require.Equal(t, "tenant-a", metadata["tenant_id"])
}
