package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/store"
)

func newTestSyncer(t *testing.T, batchSize int, ids ...string) (*Syncer, *recordingSender, store.Store, *Bus) {
	t.Helper()

	st := store.NewMemory()
	for _, id := range ids {
		_, err := st.Insert(context.Background(), testMessage(id))
		require.NoError(t, err)
	}
	sender := &recordingSender{}
	events := NewBus()
	t.Cleanup(events.Close)
	return NewSyncer(st, sender, events, NewMetrics(), batchSize), sender, st, events
}

func batchIDs(t *testing.T, f *protocol.Frame) []string {
	t.Helper()
	require.Equal(t, protocol.FrameMessageBatch, f.Type)

	var batch protocol.MessageBatch
	require.NoError(t, f.ParsePayload(&batch))
	ids := make([]string, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestSyncStartAnnouncesEveryID(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1", "m2", "m3")

	req.NoError(s.Start(context.Background(), "bob"))

	sent := sender.sent()
	req.Len(sent, 1)
	req.Equal("bob", sent[0].to)
	req.Equal(protocol.FrameSyncRequest, sent[0].frame.Type)

	var sr protocol.SyncRequest
	req.NoError(sent[0].frame.ParsePayload(&sr))
	req.ElementsMatch([]string{"m1", "m2", "m3"}, sr.MessageIDs)
}

func TestHandleSyncRequestPushesAndRequests(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1", "m2")

	err := s.HandleSyncRequest(context.Background(), "bob", protocol.SyncRequest{MessageIDs: []string{"m2", "m3"}})
	req.NoError(err)

	sent := sender.sent()
	req.Len(sent, 2)

	// Push first, then the response
	req.Equal([]string{"m1"}, batchIDs(t, sent[0].frame))

	req.Equal(protocol.FrameSyncResponse, sent[1].frame.Type)
	var resp protocol.SyncResponse
	req.NoError(sent[1].frame.ParsePayload(&resp))
	req.Equal([]string{"m3"}, resp.RequestedIDs)
}

func TestHandleSyncRequestEmptyStores(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0)

	req.NoError(s.HandleSyncRequest(context.Background(), "bob", protocol.SyncRequest{MessageIDs: []string{}}))

	sent := sender.sent()
	req.Len(sent, 1, "only a response, no batch")
	req.Equal(protocol.FrameSyncResponse, sent[0].frame.Type)
	req.JSONEq(`{"requestedIds":[]}`, string(sent[0].frame.Payload))
}

func TestHandleSyncRequestInSync(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1", "m2")

	req.NoError(s.HandleSyncRequest(context.Background(), "bob", protocol.SyncRequest{MessageIDs: []string{"m2", "m1"}}))

	sent := sender.sent()
	req.Len(sent, 1)
	req.Equal(protocol.FrameSyncResponse, sent[0].frame.Type)
	req.JSONEq(`{"requestedIds":[]}`, string(sent[0].frame.Payload))
}

func TestHandleSyncResponseSendsExactlyRequested(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1", "m2", "m3")

	// m9 is unknown and silently skipped
	err := s.HandleSyncResponse(context.Background(), "bob", protocol.SyncResponse{RequestedIDs: []string{"m3", "m9", "m1"}})
	req.NoError(err)

	sent := sender.sent()
	req.Len(sent, 1)
	req.Equal("bob", sent[0].to)
	req.Equal([]string{"m3", "m1"}, batchIDs(t, sent[0].frame))
}

func TestHandleSyncResponseEmpty(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1")

	req.NoError(s.HandleSyncResponse(context.Background(), "bob", protocol.SyncResponse{RequestedIDs: []string{}}))
	req.NoError(s.HandleSyncResponse(context.Background(), "bob", protocol.SyncResponse{}))
	req.Empty(sender.sent())
}

func TestSyncBatchesAreSplit(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 2, "m1", "m2", "m3", "m4", "m5")

	req.NoError(s.HandleSyncResponse(context.Background(), "bob", protocol.SyncResponse{
		RequestedIDs: []string{"m1", "m2", "m3", "m4", "m5"},
	}))

	sent := sender.sent()
	req.Len(sent, 3)

	var all []string
	for _, f := range sent {
		ids := batchIDs(t, f.frame)
		req.LessOrEqual(len(ids), 2)
		all = append(all, ids...)
	}
	req.Equal([]string{"m1", "m2", "m3", "m4", "m5"}, all)
}

func TestHandleBatchIsIdempotent(t *testing.T) {
	req := require.New(t)
	s, _, st, events := newTestSyncer(t, 0, "m1")
	ch, cancel := events.Subscribe()
	defer cancel()

	batch := protocol.MessageBatch{Messages: []chat.Message{testMessage("m1"), testMessage("m2"), testMessage("m3")}}

	n, err := s.HandleBatch(context.Background(), "bob", batch)
	req.NoError(err)
	req.Equal(2, n)

	e := waitEvent(t, ch, EventMessagesNew)
	req.Equal(MessagesNewPayload{Count: 2, Total: 3}, e.Payload)

	n, err = s.HandleBatch(context.Background(), "bob", batch)
	req.NoError(err)
	req.Zero(n)

	count, err := st.Count(context.Background())
	req.NoError(err)
	req.Equal(3, count)

	// Nothing new, so no second event
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Event)
	default:
	}
	req.EqualValues(4, s.metrics.DuplicatesDropped.Load())
}

func TestHandleBatchSkipsInvalid(t *testing.T) {
	req := require.New(t)
	s, _, st, _ := newTestSyncer(t, 0)

	bad := testMessage("m2")
	bad.Content = "  "
	undated := testMessage("m4")
	undated.CreatedAt = time.Time{}
	n, err := s.HandleBatch(context.Background(), "bob", protocol.MessageBatch{
		Messages: []chat.Message{testMessage("m1"), bad, testMessage("m3"), undated},
	})
	req.NoError(err)
	req.Equal(2, n)

	for _, id := range []string{"m2", "m4"} {
		ok, err := st.Has(context.Background(), id)
		req.NoError(err)
		req.False(ok, id)
	}
}

func TestHandleBatchStopsOnClosedStore(t *testing.T) {
	req := require.New(t)
	s, _, st, _ := newTestSyncer(t, 0)
	req.NoError(st.Close())

	_, err := s.HandleBatch(context.Background(), "bob", protocol.MessageBatch{
		Messages: []chat.Message{testMessage("m1")},
	})
	req.ErrorIs(err, store.ErrClosed)
}

func TestSyncSendError(t *testing.T) {
	req := require.New(t)
	s, sender, _, _ := newTestSyncer(t, 0, "m1")
	sender.err = ErrPeerNotConnected

	err := s.Start(context.Background(), "ghost")
	req.Error(err)
	req.True(errors.Is(err, ErrPeerNotConnected))
}
