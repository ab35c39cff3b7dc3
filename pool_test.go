package gpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 2)

	conn, h, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, p.FreeSize())
	require.NoError(t, p.release(conn))
	assert.Equal(t, 2, p.FreeSize())
	assert.True(t, h.isFree())
}

func TestPoolAcquireIsLIFO(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 2)

	c1, h1, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)
	c2, h2, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	require.NoError(t, p.release(c1))
	require.NoError(t, p.release(c2))

	_, h3, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)
	assert.Same(t, h2, h3, "the most recently released holder must be acquired next")
	_ = h1
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	conn, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		_, _, err := p.acquire(context.Background(), 0, NewOptions())
		assert.NoError(t, err)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.release(conn))
	wg.Wait()
}

func TestPoolAcquireTimeout(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	_, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	_, _, err = p.acquire(context.Background(), 20*time.Millisecond, NewOptions())
	assert.ErrorIs(t, err, ErrClientConnectionTimeout)
}

func TestPoolAdoptsServerSuggestedConcurrency(t *testing.T) {
	d := newFakeDriver()
	d.suggestedConcurrency = 5
	p := testPool(t, d, 0)

	_, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)
	assert.Equal(t, 5, p.Capacity())
}

func TestPoolExplicitCapacityIgnoresServerSuggestion(t *testing.T) {
	d := newFakeDriver()
	d.suggestedConcurrency = 5
	p := testPool(t, d, 2)

	_, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Capacity())
}

func TestPoolAcquirePropagatesFirstFailureWithoutTryingAnotherHolder(t *testing.T) {
	d := newFakeDriver()
	d.failOpen = &ConnectionError{Kind: ConnFailed, Err: fmt.Errorf("boom")}
	p := testPool(t, d, 2)

	_, _, err := p.acquire(context.Background(), 0, NewOptions())
	assert.Error(t, err)
	assert.Equal(t, 1, d.opens, "a single holder failure must not be retried against a second holder")
	assert.Equal(t, 2, p.FreeSize(), "the failed holder must be re-enqueued, not left checked out")
}

func TestPoolResizeGrowOnly(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 2)

	require.NoError(t, p.Resize(4))
	assert.Equal(t, 4, p.Capacity())

	err := p.Resize(1)
	assert.Error(t, err)
	var ie *InterfaceError
	assert.ErrorAs(t, err, &ie)
	assert.Equal(t, 4, p.Capacity())
}

func TestPoolReleaseForeignConnectionRejected(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	err := p.release(&fakeConn{d: d})
	assert.Error(t, err)
	var ie *InterfaceError
	assert.ErrorAs(t, err, &ie)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	conn, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	require.NoError(t, p.release(conn))
	assert.NoError(t, p.release(conn), "releasing an already-detached connection must be a no-op")
}

func TestPoolCloseWaitsForOutstandingHolders(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	conn, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close must wait for the outstanding holder to be released")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, p.release(conn))
	require.NoError(t, <-closed)
}

func TestPoolTerminateIsAbruptAndIdempotent(t *testing.T) {
	d := newFakeDriver()
	p := testPool(t, d, 1)

	_, _, err := p.acquire(context.Background(), 0, NewOptions())
	require.NoError(t, err)

	p.Terminate()
	p.Terminate() // must not panic
}
