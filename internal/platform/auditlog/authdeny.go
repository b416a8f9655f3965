package auditlog

import (
	"context"
	"database/sql"
	"strings"

	"github.com/kskovpen/rereco/internal/platform/auth"
)

func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	_, err := Insert(ctx, db, Event{
		OccurredAt: event.Time,
		Actor:      actor,
		Action:     "auth." + strings.TrimSpace(event.Reason),
		Resource:   event.Method + " " + event.Path,
		RequestID:  event.RequestID,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	})
	return err
}
