package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"stabilitypool/services/stabilityd/journal"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamBacklogPage  = 500
)

// handleEventStream replays the journal after the requested cursor over a
// websocket and then follows new entries. A client dropped for lagging is
// closed with StatusTryAgainLater and resumes from its last sequence.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}
	q, ok := parseEventQuery(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, q); err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("event stream failed", slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, q journal.Query) error {
	live, cancel := s.events.Subscribe(q.Type)
	defer cancel()

	cursor := q.After
	for {
		page, err := s.events.List(ctx, journal.Query{Type: q.Type, After: cursor, Limit: streamBacklogPage})
		if err != nil {
			return err
		}
		for _, entry := range page {
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
		if len(page) < streamBacklogPage {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-live:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "lagging; resume from last sequence")
			}
			// Entries appended while the backlog was read arrive twice.
			if entry.Sequence <= cursor {
				continue
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
