package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/developer-mesh/boardsync/pkg/channel"
	"github.com/developer-mesh/boardsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/boardsync/pkg/collaboration/presence"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
)

// ApplyResult summarizes one remote batch
type ApplyResult struct {
	Applied int
	Stale   int
	Dropped int
	Created []string
}

// install registers the session's handlers on a fresh transport
func (s *Session) install(ch channel.Channel) {
	ch.Handle(channel.EventChangeBatch, func(msg channel.Message) {
		var batch models.ChangeBatch
		if err := msg.Decode(&batch); err != nil {
			s.drop(msg, err)
			return
		}
		s.ApplyRemoteBatch(context.Background(), batch)
	})
	ch.Handle(channel.EventCursor, func(msg channel.Message) {
		var ev models.CursorEvent
		if err := msg.Decode(&ev); err != nil {
			s.drop(msg, err)
			return
		}
		s.ReceiveCursor(ev)
	})
	ch.Handle(channel.EventSelection, func(msg channel.Message) {
		var ev models.SelectionEvent
		if err := msg.Decode(&ev); err != nil {
			s.drop(msg, err)
			return
		}
		s.ReceiveSelection(ev)
	})
	ch.Handle(channel.EventPresence, func(msg channel.Message) {
		var ev models.PresenceEvent
		if err := msg.Decode(&ev); err != nil {
			s.drop(msg, err)
			return
		}
		s.ReceivePresence(ev)
	})
}

func (s *Session) drop(msg channel.Message, err error) {
	s.metrics.IncrementCounterWithLabels("remote_fields_applied_total", 1, map[string]string{"result": "malformed"})
	s.logger.Debug("Dropped malformed message", map[string]interface{}{
		"event":  msg.Event,
		"sender": msg.Sender,
		"error":  err.Error(),
	})
}

// ApplyRemoteBatch merges a peer's batch into the graph. Each field is
// resolved by clock, so the outcome does not depend on arrival order. Broken
// changes are dropped without affecting the rest of the batch.
func (s *Session) ApplyRemoteBatch(ctx context.Context, batch models.ChangeBatch) ApplyResult {
	var result ApplyResult
	if batch.ClientID == s.config.ClientID || (batch.BoardID != "" && batch.BoardID != s.config.BoardID) {
		return result
	}
	_, span := observability.StartSpan(ctx, "session.apply_batch",
		attribute.String("board_id", s.config.BoardID),
		attribute.String("sender", batch.ClientID),
		attribute.Int("changes", len(batch.Changes)),
	)
	defer observability.EndSpan(span, nil)

	s.mu.Lock()
	for _, change := range batch.Changes {
		if err := change.Validate(); err != nil {
			result.Dropped++
			s.logger.Debug("Dropped malformed change", map[string]interface{}{"error": err.Error()})
			continue
		}
		s.clock.Observe(change.Clocks.Max())

		local, exists := s.graph.Get(change.ID)
		if !exists {
			local = nil
		}
		merged, merge, err := crdt.Merge(local, change)
		if err != nil {
			result.Dropped++
			s.logger.Debug("Dropped change", map[string]interface{}{"id": change.ID, "error": err.Error()})
			continue
		}
		for _, reason := range merge.Skipped {
			if reason == crdt.SkipStale {
				result.Stale++
			} else {
				result.Dropped++
			}
		}
		if !merge.Changed() {
			continue
		}
		if merged.BoardID == "" {
			merged.BoardID = s.config.BoardID
		}
		s.graph.Put(merged)
		result.Applied += len(merge.Applied)
		if merge.Created {
			result.Created = append(result.Created, change.ID)
		}
	}
	s.mu.Unlock()

	s.recordApply(result)
	return result
}

func (s *Session) recordApply(result ApplyResult) {
	for label, n := range map[string]int{
		"applied": result.Applied,
		"stale":   result.Stale,
		"dropped": result.Dropped,
	} {
		if n > 0 {
			s.metrics.IncrementCounterWithLabels("remote_fields_applied_total", float64(n), map[string]string{"result": label})
		}
	}
}

// Reconcile folds the authoritative board into the graph after a gap. Local
// objects the store does not know yet are kept, since their writes may still
// be in flight; tombstones it no longer has were purged and are dropped.
func (s *Session) Reconcile(ctx context.Context) (err error) {
	if s.store == nil {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "session.reconcile",
		attribute.String("board_id", s.config.BoardID))
	defer func() { observability.EndSpan(span, err) }()

	objects, err := s.store.LoadAll(ctx, s.config.BoardID)
	if err != nil {
		return errors.Wrap(err, errors.ErrTransport).WithOperation("session.reconcile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remote := make(map[string]bool, len(objects))
	var result ApplyResult
	for _, obj := range objects {
		remote[obj.ID] = true
		s.clock.Observe(obj.Clocks.Max())

		local, exists := s.graph.Get(obj.ID)
		if !exists {
			local = nil
		}
		merged, merge, mergeErr := crdt.MergeObject(local, obj)
		if mergeErr != nil {
			result.Dropped++
			continue
		}
		if merge.Changed() {
			s.graph.Put(merged)
			result.Applied += len(merge.Applied)
		}
	}

	purged := 0
	for _, obj := range s.graph.All() {
		if !remote[obj.ID] && !obj.IsLive() {
			s.graph.Remove(obj.ID)
			purged++
		}
	}

	s.logger.Info("Reconciled with store", map[string]interface{}{
		"objects": len(objects),
		"applied": result.Applied,
		"purged":  purged,
	})
	s.recordApply(result)
	return nil
}

// MoveCursor offers the local pointer position. It is sent now if the
// throttle allows, otherwise held for the next tick.
func (s *Session) MoveCursor(x, y float64) bool {
	return s.cursor.Move(s.now(), x, y)
}

// Select broadcasts the local selection
func (s *Session) Select(ctx context.Context, ids ...string) error {
	return s.conn.Publish(ctx, channel.EventSelection, models.SelectionEvent{
		ClientID:  s.config.ClientID,
		ObjectIDs: append([]string{}, ids...),
	})
}

// ReceiveCursor feeds a remote pointer position to the interpolator
func (s *Session) ReceiveCursor(ev models.CursorEvent) {
	if ev.ClientID == "" || ev.ClientID == s.config.ClientID {
		return
	}
	s.interpolator.Receive(ev, s.now())
}

// ReceiveSelection records a peer's selection
func (s *Session) ReceiveSelection(ev models.SelectionEvent) {
	if s.roster.Select(ev) {
		s.throttle.SetOccupants(s.roster.Occupants())
	}
}

// ReceivePresence tracks peers joining and leaving. A join is answered with
// our own so the newcomer learns who is already here.
func (s *Session) ReceivePresence(ev models.PresenceEvent) {
	if ev.ClientID == "" || ev.ClientID == s.config.ClientID {
		return
	}
	if s.roster.Apply(ev) {
		s.throttle.SetOccupants(s.roster.Occupants())
	}
	switch ev.Action {
	case models.PresenceLeave:
		s.interpolator.Remove(ev.ClientID)
	case models.PresenceJoin:
		if !ev.Reply {
			s.publishPresence(s.baseContext(), models.PresenceJoin, true)
		}
	}
}

// Cursors returns every remote cursor's rendered position at the current
// frame. Stale cursors are evicted.
func (s *Session) Cursors() map[string]presence.Point {
	return s.interpolator.Frame(s.now())
}

// Participants returns the remote occupants of the board
func (s *Session) Participants() []presence.Participant {
	return s.roster.Participants()
}

// SelectedBy returns the peers that have objectID selected
func (s *Session) SelectedBy(objectID string) []string {
	return s.roster.SelectedBy(objectID)
}

func (s *Session) publishCursor(ev models.CursorEvent) {
	if err := s.conn.Publish(s.baseContext(), channel.EventCursor, ev); err != nil {
		s.logger.Debug("Cursor not sent", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Session) publishPresence(ctx context.Context, action models.PresenceAction, reply bool) {
	err := s.conn.Publish(ctx, channel.EventPresence, models.PresenceEvent{
		ClientID:    s.config.ClientID,
		DisplayName: s.config.DisplayName,
		Color:       s.config.Color,
		Action:      action,
		At:          s.now().UnixMilli(),
		Reply:       reply,
	})
	if err != nil {
		s.logger.Debug("Presence not sent", map[string]interface{}{
			"action": string(action),
			"error":  err.Error(),
		})
	}
}
