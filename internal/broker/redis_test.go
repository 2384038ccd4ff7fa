package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cortexscore/evalengine/internal/broker"
)

func newTestBroker(t *testing.T) *broker.RedisBroker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return broker.NewRedisBrokerFromClient(client)
}

func TestRedisBroker_AppendAndPopHead(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, "q", []byte("first")))
	require.NoError(t, b.Append(ctx, "q", []byte("second")))

	val, err := b.PopHead(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", string(val))

	val, err = b.PopHead(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, "second", string(val))
}

func TestRedisBroker_PopHeadEmptyTimesOut(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.PopHead(ctx, "empty-queue", 150*time.Millisecond)
	require.ErrorIs(t, err, broker.ErrEmpty)
}

func TestRedisBroker_LengthAndClear(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, "q", []byte("a")))
	require.NoError(t, b.Append(ctx, "q", []byte("b")))

	n, err := b.Length(ctx, "q")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, b.Clear(ctx, "q"))
	n, err = b.Length(ctx, "q")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestRedisBroker_HashOperations(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "h", "instruction", []byte(`{"score":0.8}`)))
	require.NoError(t, b.HashSet(ctx, "h", "accuracy", []byte(`{"score":0.9}`)))

	n, err := b.HashLen(ctx, "h")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	all, err := b.HashGetAll(ctx, "h")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, `{"score":0.8}`, string(all["instruction"]))

	require.NoError(t, b.Del(ctx, "h"))
	n, err = b.HashLen(ctx, "h")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestRedisBroker_HashSetOverwritesField(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "h", "accuracy", []byte("0.5")))
	require.NoError(t, b.HashSet(ctx, "h", "accuracy", []byte("0.9")))

	n, err := b.HashLen(ctx, "h")
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "re-arrival must overwrite the same field, not add a new one")

	all, err := b.HashGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, "0.9", string(all["accuracy"]))
}

func TestRedisBroker_SetExGetAndMissingKey(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SetEx(ctx, "k", []byte("v"), time.Minute))
	val, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(val))

	_, err = b.Get(ctx, "missing")
	require.ErrorIs(t, err, broker.ErrNotFound)
}

func TestRedisBroker_Expire(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "h", "f", []byte("v")))
	require.NoError(t, b.Expire(ctx, "h", 50*time.Millisecond))

	n, err := b.HashLen(ctx, "h")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRedisBroker_MGetAndScanKeys(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SetEx(ctx, "task:1:results", []byte("a"), time.Minute))
	require.NoError(t, b.SetEx(ctx, "task:2:results", []byte("b"), time.Minute))
	require.NoError(t, b.SetEx(ctx, "other", []byte("c"), time.Minute))

	vals, err := b.MGet(ctx, []string{"task:1:results", "task:2:results", "missing"})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	require.Equal(t, "a", string(vals[0]))
	require.Equal(t, "b", string(vals[1]))
	require.Nil(t, vals[2])

	keys, err := b.ScanKeys(ctx, "task:*:results")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"task:1:results", "task:2:results"}, keys)
}
