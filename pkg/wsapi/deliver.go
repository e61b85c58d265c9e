package wsapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/icotes/icotes/pkg/broadcast"
)

// DeliverEvent implements broadcast.Deliverer: the broadcaster resolves
// targets and priorities, this pushes the final frame down one socket.
func (a *API) DeliverEvent(ctx context.Context, clientID string, e *broadcast.Event) error {
	a.mu.Lock()
	cl := a.clients[clientID]
	a.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("client %s is not connected", clientID)
	}

	frame := map[string]any{
		"type":      eventFrameType(e.Message.Topic),
		"event":     e.Message.Topic,
		"event_id":  e.ID,
		"data":      e.Message.Payload,
		"timestamp": now(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := cl.Send(ctx, data); err != nil {
		return err
	}
	a.record(cl.sessionID, frame)
	return nil
}
