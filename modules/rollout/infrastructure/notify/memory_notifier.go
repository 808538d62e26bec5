package notify

import (
	"context"
	"log"
	"sync"

	"github.com/gridvault/gridvault/modules/rollout/domain/types"
)

// MemoryNotifier records emitted notifications and logs them. It stands in
// for a real delivery channel in tests and database-less wiring.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []types.Notification
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(_ context.Context, event types.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)
	log.Printf("rollout notification: kind=%s rollout_id=%s instance_id=%s owner_id=%s",
		event.Kind, event.RolloutID, event.InstanceID, event.OwnerID)
	return nil
}

// Events returns a copy of everything emitted so far.
func (n *MemoryNotifier) Events() []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]types.Notification, len(n.events))
	copy(out, n.events)
	return out
}
