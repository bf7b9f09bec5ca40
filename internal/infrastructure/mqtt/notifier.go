package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// Broker is the part of Client used by ChangeNotifier.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// ChangeNotifier publishes permission store changes and delivers changes
// published by other instances. It implements rbac.Notifier.
type ChangeNotifier struct {
	broker Broker
	topic  string
	qos    byte
}

// NewChangeNotifier creates a notifier publishing on topics.PermissionsChanged().
func NewChangeNotifier(broker Broker, topics Topics, qos byte) *ChangeNotifier {
	return &ChangeNotifier{
		broker: broker,
		topic:  topics.PermissionsChanged(),
		qos:    qos,
	}
}

// PermissionsChanged implements rbac.Notifier.
func (n *ChangeNotifier) PermissionsChanged(ctx context.Context, ev rbac.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := n.broker.Publish(n.topic, payload, n.qos, false); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

// Listen subscribes to change events and passes each decoded event to
// handle. Events published by this instance are delivered too; the
// service ignores its own origin.
func (n *ChangeNotifier) Listen(handle func(rbac.ChangeEvent)) error {
	return n.broker.Subscribe(n.topic, n.qos, func(_ string, payload []byte) error {
		var ev rbac.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		handle(ev)
		return nil
	})
}

var _ rbac.Notifier = (*ChangeNotifier)(nil)
