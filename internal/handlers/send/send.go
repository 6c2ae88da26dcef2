package send

import (
	"context"
	"encoding/json"
	"fmt"

	"mailflow/internal/domain"
	"mailflow/internal/store"
)

// Handler fans a trigger task out into one send per recipient and
// records the initial 'sent' event for each, feeding the export
// collections. Actual delivery belongs to the downstream relay; this
// side only tracks.
type Handler struct {
	repo store.Repository
}

func New(repo store.Repository) Handler { return Handler{repo: repo} }

type payload struct {
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
}

func (h Handler) Handle(ctx context.Context, task domain.Task) error {
	var p payload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("invalid send payload: %w", err)
	}
	if len(p.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	for _, rcpt := range p.Recipients {
		snd, err := h.repo.CreateSend(ctx, domain.Send{
			TenantID:  task.TenantID,
			TaskID:    task.ID,
			Recipient: rcpt,
			Subject:   p.Subject,
		})
		if err != nil {
			return fmt.Errorf("create send for %s: %w", rcpt, err)
		}
		if _, err := h.repo.RecordEvent(ctx, domain.SendEvent{
			SendID:    snd.ID,
			TenantID:  task.TenantID,
			EventType: "sent",
		}); err != nil {
			return fmt.Errorf("record sent event for %s: %w", snd.ID, err)
		}
	}
	return nil
}
