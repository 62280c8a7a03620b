package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openvariant/variant/pkg/eventbus"
)

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	query := `
		INSERT INTO events (event_id, session_id, topic, level, source, message, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.SessionID,
		event.Topic,
		event.Level,
		event.Source,
		event.Message,
		event.Payload,
		unixNano(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != nil {
		where = append(where, "session_id = ?")
		args = append(args, *q.SessionID)
	}
	if q.Topic != nil {
		where = append(where, "topic = ?")
		args = append(args, *q.Topic)
	}
	if q.Level != nil {
		where = append(where, "level = ?")
		args = append(args, *q.Level)
	}

	query := `SELECT id, event_id, session_id, topic, level, source, message, payload, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event     Event
			sessionID sql.NullString
			payload   sql.NullString
			ts        int64
		)
		if err := rows.Scan(&event.ID, &event.EventID, &sessionID, &event.Topic, &event.Level,
			&event.Source, &event.Message, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if sessionID.Valid {
			event.SessionID = &sessionID.String
		}
		if payload.Valid {
			event.Payload = &payload.String
		}
		event.Timestamp = fromUnixNano(ts)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSink returns a bus listener that appends every delivered event to the log.
func (s *SQLiteStore) EventSink() eventbus.Listener {
	return func(ctx context.Context, ev eventbus.Event) error {
		record := &Event{
			EventID:   ev.ID,
			Topic:     ev.Topic,
			Level:     eventLevel(ev.Level),
			Source:    ev.Source,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		}
		if ev.SessionID != "" {
			id := ev.SessionID
			record.SessionID = &id
		}
		if ev.Payload != nil {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode event payload: %w", err)
			}
			payload := string(data)
			record.Payload = &payload
		}
		return s.AppendEvent(ctx, record)
	}
}

func eventLevel(l string) EventLevel {
	switch l {
	case eventbus.LevelWarning:
		return EventLevelWarning
	case eventbus.LevelError:
		return EventLevelError
	default:
		return EventLevelInfo
	}
}
