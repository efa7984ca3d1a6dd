package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

func TestContextStore_PutGetRemove(t *testing.T) {
	s := NewContextStore()
	s.Put("telegram:1", Handle{Channel: "telegram", Address: "1"})

	h, ok := s.Get("telegram:1")
	require.True(t, ok)
	assert.Equal(t, "1", h.Address)
	assert.Equal(t, 1, s.Len())

	s.Remove("telegram:1")
	_, ok = s.Get("telegram:1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestContextStore_Concurrent(t *testing.T) {
	s := NewContextStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("s%d", i)
			s.Put(key, Handle{Channel: "http", Address: key})
			_, _ = s.Get(key)
			if i%2 == 0 {
				s.Remove(key)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, s.Len())
}

func TestApprovalActions_RoundTrip(t *testing.T) {
	acts := ApprovalActions("abc")
	require.Len(t, acts, 2)

	id, approved, ok := ParseApprovalAction(acts[0].Data)
	assert.True(t, ok)
	assert.True(t, approved)
	assert.Equal(t, "abc", id)

	id, approved, ok = ParseApprovalAction(acts[1].Data)
	assert.True(t, ok)
	assert.False(t, approved)
	assert.Equal(t, "abc", id)

	_, _, ok = ParseApprovalAction("approve:")
	assert.False(t, ok)
	_, _, ok = ParseApprovalAction("something else")
	assert.False(t, ok)
}

type failingChannel struct{}

func (failingChannel) Name() string { return "broken" }
func (failingChannel) Send(context.Context, string, string, []Action) error {
	return errors.New("boom")
}

func TestRouterAndNotifier(t *testing.T) {
	buf := NewBuffer("http", 2)
	router := NewRouter(buf, failingChannel{})
	assert.Equal(t, []string{"broken", "http"}, router.Channels())

	contexts := NewContextStore()
	n := NewNotifier(contexts, router, nil)
	ctx := context.Background()

	err := n.Notify(ctx, "missing", "hi", nil)
	var eddoErr *schema.EddoError
	require.True(t, errors.As(err, &eddoErr))
	assert.Equal(t, schema.ErrCodeNotification, eddoErr.Code)

	contexts.Put("s1", Handle{Channel: "http", Address: "s1"})
	for _, txt := range []string{"one", "two", "three"} {
		require.NoError(t, n.Notify(ctx, "s1", txt, nil))
	}
	msgs := buf.Messages("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)

	contexts.Put("s2", Handle{Channel: "broken", Address: "x"})
	assert.Error(t, n.Notify(ctx, "s2", "hi", nil))

	contexts.Put("s3", Handle{Channel: "nope", Address: "x"})
	assert.Error(t, n.Notify(ctx, "s3", "hi", nil))

	buf.Drop("s1")
	assert.Empty(t, buf.Messages("s1"))
}
