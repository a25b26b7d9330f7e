package analytics

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/pulse/internal/store"
)

// exportLimit caps one export to keep response sizes bounded.
const exportLimit = 10000

// ExportCSV streams a tenant's events over the window as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, tenantID uuid.UUID, from, to time.Time) error {
	events, err := s.store.ListEventsForTenant(ctx, tenantID, from, to, exportLimit)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"event_id", "notification_id", "recipient_id", "event", "channel", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		record := []string{
			e.ID.String(),
			e.NotificationID.String(),
			e.RecipientID.String(),
			string(e.Event),
			string(e.Channel),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON streams the same window as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, w io.Writer, tenantID uuid.UUID, from, to time.Time) error {
	events, err := s.store.ListEventsForTenant(ctx, tenantID, from, to, exportLimit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*store.AnalyticsEvent{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(events)
}
