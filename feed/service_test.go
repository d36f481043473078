package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipline/chatkit/auth"
	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/feed"
	"github.com/sipline/chatkit/internal/wstest"
	"github.com/sipline/chatkit/rest"
)

const testToken = "secret-token"

func newService(t *testing.T, groupID string) (*wstest.Server, *feed.Service) {
	t.Helper()
	srv := wstest.New(testToken)
	t.Cleanup(srv.Close)
	api := rest.NewClient(srv.URL(), auth.NewStatic(testToken), nil)
	return srv, feed.NewService(groupID, "viewer", api, nil)
}

func TestRefreshLoadsSnapshot(t *testing.T) {
	srv, svc := newService(t, "G1")

	now := time.Now().UTC()
	srv.Seed("G1", []chat.Message{
		{ID: "2", GroupID: "G1", Content: "b", CreatedAt: now.Add(time.Second)},
		{ID: "1", GroupID: "G1", Content: "a", CreatedAt: now},
	})

	require.NoError(t, svc.Refresh(context.Background()))
	got := svc.Timeline().Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestRefreshMarksRoomRead(t *testing.T) {
	srv, svc := newService(t, "G1")
	srv.Seed("G1", []chat.Message{
		{ID: "1", GroupID: "G1", Content: "a", CreatedAt: time.Now().UTC()},
	})

	require.NoError(t, svc.Refresh(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.MarkReadCount("G1") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, srv.MarkReadCount("G1"))

	// Further mutations must not mark again.
	svc.HandleMessage(chat.Message{ID: "2", GroupID: "G1", Content: "b", CreatedAt: time.Now().UTC()})
	require.NoError(t, svc.Refresh(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.MarkReadCount("G1"), "mark-read must fire once per activation")
}

func TestSendFoldsServerCopyIn(t *testing.T) {
	_, svc := newService(t, "G1")

	msg, err := svc.Send(context.Background(), "cheers")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	got := svc.Timeline().Messages()
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)

	// The broadcast echo of our own send is a duplicate.
	assert.False(t, svc.Timeline().ApplyIncoming(msg))
	assert.Equal(t, 1, svc.Timeline().Len())
}

func TestSendFailureSurfaces(t *testing.T) {
	srv := wstest.New(testToken)
	t.Cleanup(srv.Close)
	api := rest.NewClient(srv.URL(), auth.NewStatic("wrong"), nil)
	svc := feed.NewService("G1", "viewer", api, nil)

	_, err := svc.Send(context.Background(), "won't make it")
	var apiErr *rest.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, svc.Timeline().Len(), "failed send must not appear locally")
}

func TestDeleteTombstonesLocally(t *testing.T) {
	_, svc := newService(t, "G1")

	msg, err := svc.Send(context.Background(), "delete me")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), msg.ID))
	got := svc.Timeline().Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsDeleted)
	assert.Equal(t, chat.TombstoneContent, got[0].Content)
}
