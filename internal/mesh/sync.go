package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/store"
)

// DefaultBatchSize is the most messages carried by one MessageBatch frame
const DefaultBatchSize = 500

type frameSender interface {
	Send(ctx context.Context, endpointID string, frame *protocol.Frame) error
}

// Syncer runs anti-entropy reconciliation with each new peer. Both sides
// announce every id they hold; each then pushes what the other lacks and
// asks for what it lacks itself.
type Syncer struct {
	store     store.Store
	sender    frameSender
	events    *Bus
	metrics   *Metrics
	batchSize int
}

// NewSyncer creates a sync engine. batchSize <= 0 uses DefaultBatchSize.
func NewSyncer(st store.Store, sender frameSender, events *Bus, metrics *Metrics, batchSize int) *Syncer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Syncer{
		store:     st,
		sender:    sender,
		events:    events,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// Start opens reconciliation with a newly connected peer by announcing
// every local id.
func (s *Syncer) Start(ctx context.Context, endpointID string) error {
	ids, err := s.store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list local ids: %w", err)
	}

	s.metrics.SyncSessions.Add(1)
	slog.Debug("Starting sync", "peer", endpointID, "count", len(ids))

	return s.send(ctx, endpointID, protocol.FrameSyncRequest, protocol.SyncRequest{MessageIDs: ids})
}

// HandleSyncRequest pushes the messages the peer lacks, then answers with
// the ids we lack. The response is sent even when empty.
func (s *Syncer) HandleSyncRequest(ctx context.Context, from string, req protocol.SyncRequest) error {
	local, err := s.store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list local ids: %w", err)
	}

	theyLack, weLack := lo.Difference(local, req.MessageIDs)

	if len(theyLack) > 0 {
		if err := s.sendBatches(ctx, from, theyLack); err != nil {
			return err
		}
	}

	if weLack == nil {
		weLack = []string{}
	}
	slog.Debug("Sync request handled", "peer", from, "pushed", len(theyLack), "requested", len(weLack))

	return s.send(ctx, from, protocol.FrameSyncResponse, protocol.SyncResponse{RequestedIDs: weLack})
}

// HandleSyncResponse sends exactly the requested messages we hold.
func (s *Syncer) HandleSyncResponse(ctx context.Context, from string, resp protocol.SyncResponse) error {
	if len(resp.RequestedIDs) == 0 {
		return nil
	}
	return s.sendBatches(ctx, from, resp.RequestedIDs)
}

// HandleBatch stores every message not already present and reports how
// many were new. A message that fails to store is logged and skipped.
func (s *Syncer) HandleBatch(ctx context.Context, from string, batch protocol.MessageBatch) (int, error) {
	start := time.Now()
	inserted := 0

	for _, m := range batch.Messages {
		ok, err := s.store.Insert(ctx, m)
		if errors.Is(err, store.ErrClosed) || errors.Is(err, context.Canceled) {
			return inserted, err
		}
		if err != nil {
			slog.Warn("Failed to store synced message", "peer", from, "id", m.ID, "error", err)
			s.metrics.RecordError("store", err.Error(), from)
			continue
		}
		if ok {
			inserted++
		} else {
			s.metrics.DuplicatesDropped.Add(1)
		}
	}
	s.metrics.RecordApplyLatency(time.Since(start))

	if inserted == 0 {
		return 0, nil
	}

	s.metrics.MessagesStored.Add(int64(inserted))
	total, err := s.store.Count(ctx)
	if err != nil {
		return inserted, fmt.Errorf("count messages: %w", err)
	}

	slog.Info("Synced messages from peer", "peer", from, "count", inserted, "total", total)
	s.events.Publish(EventMessagesNew, MessagesNewPayload{Count: inserted, Total: total})
	return inserted, nil
}

// sendBatches fetches ids from the store and sends them in chunks of
// batchSize. Ids we do not hold are skipped.
func (s *Syncer) sendBatches(ctx context.Context, to string, ids []string) error {
	for _, chunk := range lo.Chunk(ids, s.batchSize) {
		messages, err := s.store.Get(ctx, chunk)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		if len(messages) == 0 {
			continue
		}
		if err := s.send(ctx, to, protocol.FrameMessageBatch, protocol.MessageBatch{Messages: messages}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) send(ctx context.Context, to string, frameType protocol.FrameType, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("create %s frame: %w", frameType, err)
	}
	if err := s.sender.Send(ctx, to, frame); err != nil {
		return fmt.Errorf("send %s to %s: %w", frameType, to, err)
	}
	return nil
}
