package gpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientExecuteReleasesConnection(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	require.NoError(t, c.Execute(context.Background(), "select 1"))
	assert.Equal(t, 1, c.pool.FreeSize())
}

func TestClientQueryVariantsAllRouteThroughWithConn(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)
	ctx := context.Background()

	for _, run := range []func() error{
		func() error { _, err := c.Query(ctx, "q"); return err },
		func() error { _, err := c.QuerySingle(ctx, "q"); return err },
		func() error { _, err := c.QueryRequiredSingle(ctx, "q"); return err },
		func() error { _, err := c.QueryJSON(ctx, "q"); return err },
		func() error { _, err := c.QuerySingleJSON(ctx, "q"); return err },
		func() error { _, err := c.QueryRequiredSingleJSON(ctx, "q"); return err },
	} {
		require.NoError(t, run())
		assert.Equal(t, 1, c.pool.FreeSize(), "every query convenience method must release its connection")
	}
}

func TestClientAcquireForbidsReentry(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	ac, _, err := c.Acquire(context.Background())
	require.NoError(t, err)

	_, err = ac.Enter(context.Background())
	assert.Error(t, err)

	require.NoError(t, ac.Release())
}

func TestClientWithOptionsClonesIndependently(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	ro := c.WithTransactionOptions(TxOptions{Isolation: IsolationRepeatableRead, ReadOnly: true})
	assert.Equal(t, IsolationSerializable, c.options.TxOptions.Isolation)
	assert.Equal(t, IsolationRepeatableRead, ro.options.TxOptions.Isolation)
	assert.Same(t, c.pool, ro.pool, "cloning options must not fork the underlying pool")
}

func TestClientEnsureConnectedDialsOnce(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 2)

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, 1, d.opens)
	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, 1, d.opens, "EnsureConnected must not reconnect an already-live holder")
}

func TestClientCloseDrainsPool(t *testing.T) {
	d := newFakeDriver()
	c := testClient(t, d, 1)

	require.NoError(t, c.Execute(context.Background(), "select 1"))
	require.NoError(t, c.Close(context.Background()))
}
