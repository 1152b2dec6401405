// Package request implements delivery over the stateless multiplexed
// HTTP/2 gateway API: one synchronous request per message, with bearer
// token or client-certificate authentication handled by the client.
package request

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sideshow/apns2"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

// Pusher is the subset of apns2.Client methods we use. This allows
// mocking for unit tests.
type Pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Transport sends one request per message. Unlike the binary path the
// response is synchronous, so failures correlate to the single
// outstanding message and no identifier bookkeeping is needed.
type Transport struct {
	client     Pusher
	httpClient *http.Client
	topic      string
	logger     *slog.Logger
}

// NewTransport wraps a configured apns2 client. The client owns
// authentication: token clients re-sign their bearer token when it
// goes stale, certificate clients carry the TLS session.
func NewTransport(client *apns2.Client, topic string, logger *slog.Logger) *Transport {
	return &Transport{
		client:     client,
		httpClient: client.HTTPClient,
		topic:      topic,
		logger:     logger.With("component", "RequestTransport"),
	}
}

// Send pushes one message. 4xx responses are permanent failures, 5xx
// transient; the rejection reason is mapped onto the shared status
// taxonomy so the delivery engine classifies both protocols uniformly.
func (t *Transport) Send(ctx context.Context, msg *push.Message) error {
	notification := &apns2.Notification{
		ApnsID:      msg.UUID,
		DeviceToken: msg.Token,
		Topic:       t.topic,
		Payload:     msg.Payload,
		Priority:    int(msg.Priority),
		CollapseID:  msg.CollapseID,
		Expiration:  msg.Expiry,
	}

	res, err := t.client.PushWithContext(ctx, notification)
	if err != nil {
		return &push.ConnectionError{Op: "push", Err: err}
	}
	if res.Sent() {
		t.logger.Debug("message accepted", "uuid", msg.UUID)
		return nil
	}
	return mapResponse(res)
}

// Close releases idle HTTP/2 connections. The client itself stays
// usable, so Close is safe to call repeatedly.
func (t *Transport) Close() error {
	if t.httpClient != nil {
		t.httpClient.CloseIdleConnections()
	}
	return nil
}

// reasonStatus translates the request API's rejection reasons onto the
// binary protocol's status codes, so both transports feed the delivery
// engine the same taxonomy.
var reasonStatus = map[string]uint8{
	apns2.ReasonBadDeviceToken:         push.StatusInvalidToken,
	apns2.ReasonUnregistered:           push.StatusInvalidToken,
	apns2.ReasonDeviceTokenNotForTopic: push.StatusInvalidToken,
	apns2.ReasonMissingDeviceToken:     push.StatusMissingDeviceToken,
	apns2.ReasonMissingTopic:           push.StatusMissingTopic,
	apns2.ReasonTopicDisallowed:        push.StatusMissingTopic,
	apns2.ReasonBadTopic:               push.StatusMissingTopic,
	apns2.ReasonPayloadEmpty:           push.StatusMissingPayload,
	apns2.ReasonPayloadTooLarge:        push.StatusInvalidPayloadSize,
	apns2.ReasonShutdown:               push.StatusShutdown,
	apns2.ReasonServiceUnavailable:     push.StatusProcessingError,
	apns2.ReasonInternalServerError:    push.StatusProcessingError,
	apns2.ReasonTooManyRequests:        push.StatusProcessingError,
	apns2.ReasonIdleTimeout:            push.StatusProcessingError,
}

func mapResponse(res *apns2.Response) *push.DeliveryError {
	status, ok := reasonStatus[res.Reason]
	if !ok {
		status = push.StatusUnknown
	}
	reason := res.Reason
	if reason == "" {
		reason = push.StatusText(status)
	}
	return &push.DeliveryError{
		Status: status,
		Reason: reason,
		// The HTTP class is authoritative here: any 4xx cannot
		// succeed on retry, even for reasons outside the table.
		Permanent: res.StatusCode >= 400 && res.StatusCode < 500,
	}
}
