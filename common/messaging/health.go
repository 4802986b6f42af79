package messaging

import (
	"context"
	"errors"
	"time"
)

// pingSubject has no responders. The broker answers a request to it with a
// no-responders status, which still proves the round trip.
const pingSubject = "_NDR.ping"

// ErrNotConnected is returned by Ping when the client has no broker
// connection.
var ErrNotConnected = errors.New("not connected to message broker")

// Ping measures a request round trip through client. Only a missing
// connection is an error; a failed request on a live connection means there
// was no responder.
func Ping(ctx context.Context, client Client, timeout time.Duration) (time.Duration, error) {
	if client == nil || !client.IsConnected() {
		return 0, ErrNotConnected
	}
	start := time.Now()
	_, _ = client.Request(ctx, pingSubject, nil, timeout)
	if !client.IsConnected() {
		return time.Since(start), ErrNotConnected
	}
	return time.Since(start), nil
}
