package ledger

import (
	"context"

	"github.com/punchamoorthee/settlement/internal/domain"
)

const defaultPageSize = 100

// Stream is a lazy, ordered view of the event log starting after a cursor.
// A stream that stopped on an error can be recreated from Cursor() without loss.
type Stream struct {
	client   Client
	cursor   domain.Cursor
	pageSize int
	page     []domain.LedgerEvent
	idx      int
	current  domain.LedgerEvent
	err      error
	drained  bool
}

// NewStream reads events after from in pages of pageSize.
func NewStream(client Client, from domain.Cursor, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Stream{client: client, cursor: from, pageSize: pageSize}
}

// Next advances to the next event. It returns false at the end of the log or on error.
func (s *Stream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.idx >= len(s.page) {
		if s.drained {
			return false
		}
		page, err := s.client.Events(ctx, s.cursor, s.pageSize)
		if err != nil {
			s.err = err
			return false
		}
		s.page, s.idx = page, 0
		if len(page) < s.pageSize {
			s.drained = true
		}
		if len(page) == 0 {
			return false
		}
	}

	ev := s.page[s.idx]
	s.idx++
	if !s.cursor.Less(ev.Cursor) {
		// Out-of-order page; skip anything at or before the cursor.
		return s.Next(ctx)
	}
	s.current = ev
	s.cursor = ev.Cursor
	return true
}

// Event returns the event Next advanced to.
func (s *Stream) Event() domain.LedgerEvent {
	return s.current
}

// Cursor is the position of the last event returned.
func (s *Stream) Cursor() domain.Cursor {
	return s.cursor
}

func (s *Stream) Err() error {
	return s.err
}
