package dispatch

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier prefers a live websocket session and falls back to the webhook
// when the driver is not connected or the socket write fails.
type PushNotifier struct {
	WS       *WSRegistry
	Fallback Notifier
}

func NewPushNotifier(ws *WSRegistry, fallback Notifier) *PushNotifier {
	return &PushNotifier{WS: ws, Fallback: fallback}
}

func (p *PushNotifier) Notify(ctx context.Context, a models.Assignment) error {
	var wsErr error
	if p.WS != nil {
		if wsErr = p.WS.Notify(ctx, a); wsErr == nil {
			return nil
		}
	}
	if p.Fallback == nil {
		return wsErr
	}
	if err := p.Fallback.Notify(ctx, a); err != nil {
		if wsErr != nil && !errors.Is(wsErr, ErrNoSession) {
			return errors.Join(wsErr, err)
		}
		return err
	}
	return nil
}
