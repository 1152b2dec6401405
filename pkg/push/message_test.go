package push

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPayload(t *testing.T) {
	t.Run("Builds the gateway JSON shape", func(t *testing.T) {
		raw, err := BuildPayload(Alert{
			Title:  "greeting",
			Body:   "hello",
			Sound:  "default",
			Badge:  3,
			Custom: map[string]string{"thread": "t-1"},
		})
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		aps, ok := decoded["aps"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "default", aps["sound"])
		assert.EqualValues(t, 3, aps["badge"])
		assert.Equal(t, "t-1", decoded["thread"])
	})

	t.Run("Rejects payloads over the binary ceiling", func(t *testing.T) {
		_, err := BuildPayload(Alert{Body: strings.Repeat("x", MaxPayloadSize)})

		var deliveryErr *DeliveryError
		require.ErrorAs(t, err, &deliveryErr)
		assert.Equal(t, StatusInvalidPayloadSize, deliveryErr.Status)
		assert.True(t, deliveryErr.Permanent)
	})
}

func TestStatusClassification(t *testing.T) {
	t.Run("Permanent statuses cannot succeed on retry", func(t *testing.T) {
		for _, status := range []uint8{
			StatusMissingDeviceToken,
			StatusMissingTopic,
			StatusMissingPayload,
			StatusInvalidTokenSize,
			StatusInvalidTopicSize,
			StatusInvalidPayloadSize,
			StatusInvalidToken,
		} {
			assert.Truef(t, PermanentStatus(status), "status %d", status)
		}
	})

	t.Run("Transient and unknown statuses stay retryable", func(t *testing.T) {
		for _, status := range []uint8{StatusNoError, StatusProcessingError, StatusShutdown, StatusUnknown, 42} {
			assert.Falsef(t, PermanentStatus(status), "status %d", status)
		}
	})

	t.Run("Token-condemning statuses", func(t *testing.T) {
		assert.True(t, TokenStatus(StatusInvalidToken))
		assert.True(t, TokenStatus(StatusInvalidTokenSize))
		assert.True(t, TokenStatus(StatusMissingDeviceToken))
		assert.False(t, TokenStatus(StatusShutdown))
		assert.False(t, TokenStatus(StatusInvalidPayloadSize))
	})
}
