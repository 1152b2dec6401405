package push

import "fmt"

// Gateway status codes shared by both wire protocols. The binary
// protocol reports them directly in its asynchronous error frame; the
// request protocol's rejection reasons are translated onto the same
// table so the delivery engine classifies failures one way.
const (
	StatusNoError            uint8 = 0
	StatusProcessingError    uint8 = 1
	StatusMissingDeviceToken uint8 = 2
	StatusMissingTopic       uint8 = 3
	StatusMissingPayload     uint8 = 4
	StatusInvalidTokenSize   uint8 = 5
	StatusInvalidTopicSize   uint8 = 6
	StatusInvalidPayloadSize uint8 = 7
	StatusInvalidToken       uint8 = 8
	StatusShutdown           uint8 = 10
	StatusUnknown            uint8 = 255
)

var statusText = map[uint8]string{
	StatusNoError:            "no errors encountered",
	StatusProcessingError:    "processing error",
	StatusMissingDeviceToken: "missing device token",
	StatusMissingTopic:       "missing topic",
	StatusMissingPayload:     "missing payload",
	StatusInvalidTokenSize:   "invalid token size",
	StatusInvalidTopicSize:   "invalid topic size",
	StatusInvalidPayloadSize: "invalid payload size",
	StatusInvalidToken:       "invalid token",
	StatusShutdown:           "shutdown",
	StatusUnknown:            "unknown",
}

// StatusText returns a human-readable description of a gateway status
// code.
func StatusText(status uint8) string {
	if s, ok := statusText[status]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized status %d", status)
}

// PermanentStatus reports whether retrying a message rejected with the
// given status can ever succeed. Statuses outside the known table are
// treated as transient.
func PermanentStatus(status uint8) bool {
	switch status {
	case StatusMissingDeviceToken, StatusMissingTopic, StatusMissingPayload,
		StatusInvalidTokenSize, StatusInvalidTopicSize,
		StatusInvalidPayloadSize, StatusInvalidToken:
		return true
	}
	return false
}

// TokenStatus reports whether the status condemns the device token
// itself rather than the individual message. A condemned token should
// be recorded so producers stop enqueueing to it.
func TokenStatus(status uint8) bool {
	switch status {
	case StatusMissingDeviceToken, StatusInvalidTokenSize, StatusInvalidToken:
		return true
	}
	return false
}
