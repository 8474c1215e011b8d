package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/chatsync/internal/ledger"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/pager"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/replies"
	"github.com/tOgg1/chatsync/internal/theme"
	"github.com/tOgg1/chatsync/internal/transport"
)

// Send shows draft as pending and writes it in the background. The
// returned message carries the temporary id used by Retry and Failure.
func (s *Session) Send(ctx context.Context, draft models.Draft) (models.Message, error) {
	var msg models.Message
	err := s.call(ctx, func() error {
		var (
			needsWrite bool
			err        error
		)
		msg, needsWrite, err = s.ledger.Begin(draft)
		if err != nil {
			return err
		}
		if needsWrite {
			s.dispatchInsert(msg)
		}
		return nil
	})
	return msg, err
}

// Retry re-issues a failed send under the same temporary id.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	return s.call(ctx, func() error {
		draft, err := s.ledger.Retry(tempID)
		if err != nil {
			return err
		}
		self := s.Self()
		s.dispatchInsert(models.Message{
			ID:         tempID,
			AuthorID:   self.ID,
			AuthorRole: self.Role,
			Kind:       draft.Kind,
			Body:       draft.Body,
			MediaURL:   draft.MediaURL,
			ReplyToID:  draft.ReplyToID,
			Room:       s.room,
		})
		return nil
	})
}

// LoadOlder fetches the page before the oldest loaded message. Calls made
// while a fetch is in flight, or after history ran out, return at once.
func (s *Session) LoadOlder(ctx context.Context) (pager.Result, error) {
	var (
		req   pager.Request
		began bool
	)
	if err := s.call(ctx, func() error {
		req, began = s.pager.Begin()
		return nil
	}); err != nil {
		return pager.Result{}, err
	}
	if !began {
		return pager.Result{HasMore: s.pager.Status().HasMore}, nil
	}
	return s.fetchAndComplete(ctx, req, false)
}

// ChangeTheme switches the room theme. Only owners may call it. The theme
// applies locally first; the participant attribute and the control message
// are then both written, each regardless of the other's outcome. Either
// failure is returned.
func (s *Session) ChangeTheme(ctx context.Context, id string) error {
	var room models.RoomKey
	if err := s.call(ctx, func() error {
		room = s.room
		return s.theme.ChangeTheme(id)
	}); err != nil {
		return err
	}
	id = theme.Resolve(id).ID
	self := s.Self()

	var errs []error
	if err := s.backend.WriteParticipantAttribute(ctx, self.ID, id); err != nil {
		s.logger.Warn().Err(err).Str("theme", id).Msg("theme attribute write failed")
		errs = append(errs, fmt.Errorf("write theme attribute: %w", err))
	}
	if _, err := s.backend.InsertMessage(ctx, models.Message{
		AuthorID:   self.ID,
		AuthorRole: self.Role,
		Kind:       models.KindText,
		Body:       theme.ControlBody(id),
		Room:       room,
	}); err != nil {
		s.logger.Warn().Err(err).Str("theme", id).Msg("theme control message failed")
		errs = append(errs, fmt.Errorf("send theme control: %w", err))
	}
	s.notify()
	return errors.Join(errs...)
}

// SwitchRoom leaves the current room and loads room. Results still in
// flight for the old room are discarded. Access checks happen before the
// call.
func (s *Session) SwitchRoom(ctx context.Context, room models.RoomKey) error {
	switched := false
	if err := s.call(ctx, func() error {
		if room == s.room {
			return nil
		}
		switched = true
		s.generation++
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.events, s.unsubscribe = nil, nil
		s.backoff = s.cfg.ResubscribeMin

		s.room = room
		s.ledger.Reset(room)
		s.pager.SetRoom(room, s.generation)
		s.theme.SetRoom(room)
		s.store.Reset(nil)
		if heartbeat := s.presence(); heartbeat != nil {
			heartbeat.SetRoom(room)
		}
		s.mu.Lock()
		s.self.Room = room
		s.mu.Unlock()

		if err := s.subscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("subscribe after room switch failed")
			s.scheduleResubscribe()
		}
		return nil
	}); err != nil {
		return err
	}
	if !switched {
		return nil
	}

	s.setPref(prefs.KeyLastRoom, string(room))
	s.logger.Info().Str("room", room.String()).Msg("room switched")
	self := s.Self()
	if heartbeat := s.presence(); heartbeat != nil {
		if err := heartbeat.ReportNow(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("presence report failed")
		}
		if _, err := heartbeat.RefreshNow(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("roster refresh failed")
		}
	} else if err := s.backend.ReportPresence(ctx, self.ID, room); err != nil {
		s.logger.Warn().Err(err).Msg("presence report failed")
	}

	if _, err := s.loadInitial(ctx); err != nil && !retryable(err) {
		return err
	}
	return nil
}

// subscribe opens the change stream for the current room. It runs on the
// loop, or before the loop starts.
func (s *Session) subscribe() error {
	events, cancel, err := s.backend.Subscribe(s.ctx, s.room)
	if err != nil {
		return err
	}
	s.events, s.unsubscribe = events, cancel
	s.backoff = s.cfg.ResubscribeMin
	return nil
}

// scheduleResubscribe reopens the stream after the current backoff. Runs
// on the loop.
func (s *Session) scheduleResubscribe() {
	gen, room, delay := s.generation, s.room, s.backoff
	s.backoff = min(s.backoff*2, s.cfg.ResubscribeMax)

	s.spawn(func(ctx context.Context) func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}

		events, cancel, err := s.backend.Subscribe(ctx, room)
		return func() {
			if gen != s.generation {
				if cancel != nil {
					cancel()
				}
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Dur("retry_in", s.backoff).Msg("resubscribe failed")
				s.scheduleResubscribe()
				return
			}
			s.events, s.unsubscribe = events, cancel
			s.backoff = s.cfg.ResubscribeMin
			s.logger.Info().Msg("change stream resubscribed")
			if s.cfg.ResyncOnReconnect {
				s.resync()
			}
		}
	})
}

// resync fetches the newest page and merges it through the ledger so
// messages missed while disconnected appear. Control messages on the page
// are history and never override a live theme. Runs on the loop.
func (s *Session) resync() {
	gen, room, limit := s.generation, s.room, s.cfg.PageSize
	s.spawn(func(ctx context.Context) func() {
		records, err := s.backend.FetchPage(ctx, room, time.Time{}, limit)
		return func() {
			if gen != s.generation {
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("resync fetch failed")
				return
			}
			merged := 0
			var controls []models.Message
			for i := len(records) - 1; i >= 0; i-- {
				if theme.IsControl(records[i]) {
					controls = append(controls, records[i])
					continue
				}
				if s.handleMessage(records[i]) {
					merged++
				}
			}
			if s.theme.ApplyHistory(controls) {
				s.notify()
			}
			s.logger.Debug().Int("fetched", len(records)).Int("merged", merged).Msg("resync complete")
		}
	})
}

// dispatchInsert writes msg off the loop and settles its ledger entry.
// Runs on the loop.
func (s *Session) dispatchInsert(msg models.Message) {
	gen := s.generation
	tempID := msg.ID
	s.spawn(func(ctx context.Context) func() {
		rec, err := s.backend.InsertMessage(ctx, msg)
		return func() {
			if gen != s.generation {
				return
			}
			if err != nil {
				s.ledger.Fail(tempID, err)
				s.notify()
				return
			}
			if s.ledger.Confirm(tempID, rec) != ledger.Ignored {
				replies.ResolveStore(s.store)
			}
		}
	})
}

// spawn runs work off the loop and posts the completion it returns.
func (s *Session) spawn(work func(ctx context.Context) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if done := work(s.ctx); done != nil {
			s.post(done)
		}
	}()
}

// handleRaw decodes one change event. Runs on the loop.
func (s *Session) handleRaw(raw transport.RawEvent) {
	ev, err := transport.Decode(raw)
	if err != nil {
		var malformed *transport.MalformedEventError
		if errors.As(err, &malformed) {
			s.logger.Warn().Err(err).Int64("seq", malformed.Seq).Msg("dropping malformed event")
			return
		}
		s.logger.Warn().Err(err).Msg("dropping undecodable event")
		return
	}

	switch ev := ev.(type) {
	case transport.MessageInserted:
		s.handleMessage(ev.Message)
	case transport.ParticipantChanged:
		if s.theme.ApplyParticipant(ev.Participant) {
			s.notify()
		}
	}
}

// handleMessage routes a confirmed record: control messages go to the
// theme, the rest through the ledger. It reports whether the timeline
// changed. Runs on the loop.
func (s *Session) handleMessage(msg models.Message) bool {
	if msg.Room != s.room {
		return false
	}
	if isControl, applied := s.theme.ApplyControl(msg); isControl {
		if applied {
			s.notify()
		}
		return false
	}
	s.theme.ObserveAuthor(msg)

	switch s.ledger.Reconcile(msg) {
	case ledger.Appended, ledger.Replaced:
		replies.ResolveStore(s.store)
		return true
	}
	return false
}

// loadInitial merges the newest page of the current room, then anchors the
// owner and applies the newest trusted control message found on that page.
func (s *Session) loadInitial(ctx context.Context) (pager.Result, error) {
	var req pager.Request
	if err := s.call(ctx, func() error {
		req = s.pager.BeginInitial()
		return nil
	}); err != nil {
		return pager.Result{}, err
	}
	return s.fetchAndComplete(ctx, req, true)
}

// fetchAndComplete runs the fetch on the caller's goroutine and the merge
// on the loop. The merge is not tied to ctx so the pager never stays
// loading.
func (s *Session) fetchAndComplete(ctx context.Context, req pager.Request, initial bool) (pager.Result, error) {
	records, fetchErr := s.backend.FetchPage(ctx, req.Room, req.Before, req.Limit)

	var res pager.Result
	err := s.call(context.Background(), func() error {
		var err error
		res, err = s.pager.Complete(req, records, fetchErr)
		if err != nil {
			return err
		}
		s.anchorOwner()
		if initial {
			s.theme.ApplyHistory(res.Filtered)
		}
		s.notify()
		return nil
	})
	return res, err
}

// anchorOwner trusts the newest owner author in the timeline when no owner
// is anchored yet. Runs on the loop.
func (s *Session) anchorOwner() {
	if s.theme.Owner() != "" {
		return
	}
	snap := s.store.Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		if s.theme.ObserveAuthor(snap[i]) {
			return
		}
	}
}

// retryable reports whether err leaves the session usable: page fetch
// failures are surfaced through Status and stale pages are dropped.
func retryable(err error) bool {
	if errors.Is(err, pager.ErrStale) {
		return true
	}
	var fetchErr *pager.PageFetchError
	return errors.As(err, &fetchErr)
}
