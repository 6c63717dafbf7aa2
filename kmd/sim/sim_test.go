package sim

import (
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/residency/residency"
)

func newTestDriver(t *testing.T, opt Options) *Driver {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger, _ = logtest.NewNullLogger()
	}
	d, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNew_RequiresBudget(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)
}

func TestMakeResident_Budget(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 100})
	a := d.CreateResource(60)
	b := d.CreateResource(60)

	trim, ok := d.MakeResident([]residency.Handle{a}, false, 60)
	require.True(t, ok)
	require.Zero(t, trim)

	trim, ok = d.MakeResident([]residency.Handle{b}, false, 60)
	require.False(t, ok)
	require.Equal(t, uint64(20), trim, "trim is the overshoot")
	require.False(t, d.IsResident(b))

	_, ok = d.MakeResident([]residency.Handle{b}, true, 60)
	require.True(t, ok, "override admits over budget")
	require.True(t, d.IsResident(b))

	st := d.Stats()
	require.Equal(t, uint64(120), st.Used)
	require.Equal(t, 2, st.Resident)
	require.Equal(t, uint64(1), st.Rejections)
	require.Equal(t, uint64(3), st.MakeResidentCalls)
}

// Already resident and repeated handles are not charged again.
func TestMakeResident_ChargesOnce(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 100})
	a := d.CreateResource(60)

	_, ok := d.MakeResident([]residency.Handle{a, a}, false, 120)
	require.True(t, ok)
	_, ok = d.MakeResident([]residency.Handle{a}, false, 60)
	require.True(t, ok)
	require.Equal(t, uint64(60), d.Stats().Used)
	require.Equal(t, uint64(1), d.Stats().CurrentFence, "no paging, no new fence")
}

func TestMakeResident_UnknownHandle(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 100})
	a := d.CreateResource(10)

	_, ok := d.MakeResident([]residency.Handle{a, 999}, false, 10)
	require.False(t, ok)
	require.False(t, d.IsResident(a), "nothing admitted on failure")
}

func TestEvict(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 100})
	a := d.CreateResource(30)
	b := d.CreateResource(40)
	d.MakeResident([]residency.Handle{a, b}, false, 70)

	trimmed, ok := d.Evict([]residency.Handle{a, b}, true)
	require.True(t, ok)
	require.Equal(t, uint64(70), trimmed)
	require.Zero(t, d.Stats().Used)

	trimmed, ok = d.Evict([]residency.Handle{a}, true)
	require.True(t, ok, "evicting a non-resident resource is not an error")
	require.Zero(t, trimmed)

	_, ok = d.Evict([]residency.Handle{999}, true)
	require.False(t, ok)
}

func TestTrim_LowestHandleFirst(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 1000})
	a := d.CreateResource(10)
	b := d.CreateResource(20)
	c := d.CreateResource(30)
	d.MakeResident([]residency.Handle{c, b, a}, false, 60)

	require.Equal(t, uint64(30), d.Trim(25))
	require.False(t, d.IsResident(a))
	require.False(t, d.IsResident(b))
	require.True(t, d.IsResident(c))
}

func TestDestroyResource(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 100})
	a := d.CreateResource(50)
	d.MakeResident([]residency.Handle{a}, false, 50)

	require.True(t, d.DestroyResource(a))
	require.False(t, d.DestroyResource(a))
	require.Zero(t, d.Stats().Used)
	require.Zero(t, d.Stats().Resources)
}

// With a bandwidth limit the fence completes asynchronously and the CPU
// wait blocks until it does.
func TestFence_WaitBlocksUntilPaged(t *testing.T) {
	t.Parallel()
	// 16 pages of 64KiB at 64 pages/s: about 250ms.
	d := newTestDriver(t, Options{Budget: 16 << 20, PagingBandwidth: 64 * DefaultPageSize})
	a := d.CreateResource(16 * DefaultPageSize)

	_, ok := d.MakeResident([]residency.Handle{a}, false, 16*DefaultPageSize)
	require.True(t, ok)
	require.Equal(t, uint64(1), d.Stats().CurrentFence)

	start := time.Now()
	d.WaitOnPagingFenceFromCpu(false)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	st := d.Stats()
	require.Equal(t, st.CurrentFence, st.CompletedFence)
	require.Equal(t, uint64(1), st.FenceWaits)
}

func TestFence_ImmediateWithoutBandwidth(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 1 << 20})
	a := d.CreateResource(4096)
	d.MakeResident([]residency.Handle{a}, false, 4096)

	st := d.Stats()
	require.Equal(t, uint64(1), st.CompletedFence)
	d.WaitOnPagingFenceFromCpu(true) // must not block
}

// Close completes outstanding fences so waiters are released.
func TestClose_ReleasesWaiters(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, Options{Budget: 1 << 30, PagingBandwidth: DefaultPageSize}) // 1 page/s
	a := d.CreateResource(1 << 20)
	_, ok := d.MakeResident([]residency.Handle{a}, false, 1<<20)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		d.WaitOnPagingFenceFromCpu(false)
		close(done)
	}()

	require.NoError(t, d.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fence waiter not released by Close")
	}

	_, ok = d.MakeResident([]residency.Handle{a}, false, 1<<20)
	require.False(t, ok, "closed driver rejects residency")
	require.NoError(t, d.Close())
}
