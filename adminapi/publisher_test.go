package adminapi

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/domain"
)

type gatedFeed struct {
	started chan struct{}
	release chan struct{}
	count   atomic.Int32
}

func (f *gatedFeed) Publish(_ context.Context, changes []Change) error {
	f.started <- struct{}{}
	<-f.release
	f.count.Add(int32(len(changes)))
	return nil
}

func change(op string) []Change {
	return []Change{{Kind: domain.KindTask, Operation: domain.Intent{ID: op}}}
}

func TestPublisherDeliversToFeed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	feed := NewMemoryFeed(4)
	p := NewPublisher(feed, PublisherConfig{Workers: 2, Buffer: 4}, logger)

	require.NoError(t, p.Publish(context.Background(), change("op-1")))
	require.NoError(t, p.Publish(context.Background(), nil))
	select {
	case ch := <-feed.Changes():
		assert.Equal(t, "op-1", ch.Operation.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("change was not published")
	}
	p.Close()
	assert.ErrorIs(t, p.Publish(context.Background(), change("op-2")), ErrFeedClosed)
}

func TestPublisherReportsBusyBuffer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	feed := &gatedFeed{started: make(chan struct{}, 4), release: make(chan struct{})}
	p := NewPublisher(feed, PublisherConfig{Workers: 1, Buffer: 1}, logger)

	require.NoError(t, p.Publish(context.Background(), change("a")))
	<-feed.started
	require.NoError(t, p.Publish(context.Background(), change("b")))
	assert.ErrorIs(t, p.Publish(context.Background(), change("c")), ErrFeedBusy)

	close(feed.release)
	p.Close()
	assert.Equal(t, int32(2), feed.count.Load())
}

type failingFeed struct{}

func (failingFeed) Publish(context.Context, []Change) error { return assert.AnError }

func TestPublisherLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := NewPublisher(failingFeed{}, PublisherConfig{Workers: 1, Buffer: 1}, logger)
	require.NoError(t, p.Publish(context.Background(), change("x")))
	p.Close()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, log.ErrorLevel, entry.Level)
	assert.Equal(t, "publish failed", entry.Message)
}
