package communicator

// ============================================================================
// Communicator Test File
// Purpose: Verify fail-fast dispatch, ordering, batching, fault handling, drain
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeGroup struct {
	name       string
	rank, size int
}

func (g *fakeGroup) Name() string { return g.name }
func (g *fakeGroup) Rank() int    { return g.rank }
func (g *fakeGroup) Size() int    { return g.size }

// fakeAdapter records every round trip and answers through hook.
type fakeAdapter struct {
	kind string

	mu    sync.Mutex
	calls [][]backend.Request
	hook  func(req backend.Request) (backend.Result, error)
}

func newFakeAdapter(kind string) *fakeAdapter {
	return &fakeAdapter{kind: kind}
}

func (a *fakeAdapter) setHook(fn func(req backend.Request) (backend.Result, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = fn
}

func (a *fakeAdapter) roundTrips() [][]backend.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]backend.Request, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *fakeAdapter) do(req backend.Request) (backend.Result, error) {
	a.mu.Lock()
	hook := a.hook
	a.mu.Unlock()
	if hook == nil {
		return backend.Result{Data: req.Data}, nil
	}
	return hook(req)
}

func (a *fakeAdapter) record(reqs ...backend.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, reqs)
}

func (a *fakeAdapter) Kind() string { return a.kind }

func (a *fakeAdapter) FormGroup(_ context.Context, spec backend.GroupSpec) (backend.Group, error) {
	return &fakeGroup{name: spec.Name, rank: spec.Rank, size: spec.Size}, nil
}

func (a *fakeAdapter) ReleaseGroup(context.Context, backend.Group) error { return nil }

func (a *fakeAdapter) Send(_ context.Context, _ backend.Group, dst int, data []float64) error {
	req := backend.Request{Kind: types.OpSend, Peer: dst, Data: data}
	a.record(req)
	_, err := a.do(req)
	return err
}

func (a *fakeAdapter) Recv(_ context.Context, _ backend.Group, src int) ([]float64, error) {
	req := backend.Request{Kind: types.OpRecv, Peer: src}
	a.record(req)
	res, err := a.do(req)
	return res.Data, err
}

func (a *fakeAdapter) Collective(_ context.Context, _ backend.Group, req backend.Request) (backend.Result, error) {
	a.record(req)
	return a.do(req)
}

// fakeBatcher adds ExecBatch on top of fakeAdapter.
type fakeBatcher struct {
	*fakeAdapter
}

func (b *fakeBatcher) ExecBatch(_ context.Context, _ backend.Group, reqs []backend.Request) ([]backend.Result, error) {
	b.record(reqs...)
	results := make([]backend.Result, 0, len(reqs))
	for _, req := range reqs {
		res, err := b.do(req)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	faults map[types.WorldID][]error
}

func (r *recordingReporter) ReportFault(id types.WorldID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faults == nil {
		r.faults = make(map[types.WorldID][]error)
	}
	r.faults[id] = append(r.faults[id], err)
}

func (r *recordingReporter) count(id types.WorldID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults[id])
}

// ============================================================================
// Helpers
// ============================================================================

type fixture struct {
	reg      *world.Registry
	comm     *Communicator
	reporter *recordingReporter
}

func newFixture(t *testing.T, cfg Config, adapters ...backend.Adapter) *fixture {
	t.Helper()
	opts := make([]world.Option, 0, len(adapters))
	for _, a := range adapters {
		opts = append(opts, world.WithAdapter(a))
	}
	reg := world.NewRegistry(opts...)
	comm := New(reg, cfg)
	rep := &recordingReporter{}
	comm.SetFaultReporter(rep)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = comm.Close(ctx)
	})
	return &fixture{reg: reg, comm: comm, reporter: rep}
}

// open creates a single-rank world on kind and starts its executor.
func (f *fixture) open(t *testing.T, index int, kind string) types.WorldID {
	t.Helper()
	id := types.WorldID{Index: index}
	w, err := f.reg.CreateWorld(context.Background(), id, world.RankSpec{Rank: 0, Size: 1}, kind, nil)
	require.NoError(t, err)
	f.comm.Open(w)
	return id
}

func wait(t *testing.T, h *Handle) (backend.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "op %d never resolved", h.OpID)
	return res, err
}

func noBatching() Config {
	return Config{BatchWindow: 0, MaxBatchSize: 1, QueueSize: 64}
}

// ============================================================================
// Dispatch Tests
// ============================================================================

func TestDispatchUnknownWorldFailsFast(t *testing.T) {
	f := newFixture(t, noBatching(), newFakeAdapter("fake"))

	h, err := f.comm.Send(types.WorldID{Index: 9}, 1, []float64{1})
	assert.Nil(t, h)
	var ue *world.WorldUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, types.StatusClosed, ue.Status)
}

func TestDispatchDegradedWorldFailsFast(t *testing.T) {
	f := newFixture(t, noBatching(), newFakeAdapter("fake"))
	id := f.open(t, 1, "fake")
	require.True(t, f.reg.MarkDegraded(id))

	_, err := f.comm.AllReduce(id, types.ReduceSum, []float64{1})
	var ue *world.WorldUnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, types.StatusDegraded, ue.Status)
}

func TestDispatchInvalidKind(t *testing.T) {
	f := newFixture(t, noBatching(), newFakeAdapter("fake"))
	id := f.open(t, 1, "fake")

	_, err := f.comm.Dispatch(id, backend.Request{Kind: "SHUFFLE"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatchResolvesWithResult(t *testing.T) {
	adapter := newFakeAdapter("fake")
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		return backend.Result{Data: []float64{req.Data[0] * 2}}, nil
	})
	f := newFixture(t, noBatching(), adapter)
	id := f.open(t, 1, "fake")

	h, err := f.comm.AllReduce(id, types.ReduceSum, []float64{21})
	require.NoError(t, err)
	assert.Equal(t, id, h.WorldID)
	assert.Equal(t, types.OpAllReduce, h.Kind)
	assert.Equal(t, types.NoPeer, h.Peer)

	res, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, res.Data)

	_, ok, pollErr := h.Poll()
	assert.True(t, ok)
	assert.NoError(t, pollErr)
}

func TestOpIDsMonotonic(t *testing.T) {
	f := newFixture(t, noBatching(), newFakeAdapter("fake"))
	id := f.open(t, 1, "fake")

	var last uint64
	for i := 0; i < 10; i++ {
		h, err := f.comm.Send(id, 1, nil)
		require.NoError(t, err)
		assert.Greater(t, h.OpID, last)
		last = h.OpID
	}
}

func TestSubmissionOrderPreserved(t *testing.T) {
	adapter := newFakeAdapter("fake")
	f := newFixture(t, Config{BatchWindow: time.Millisecond, MaxBatchSize: 4, QueueSize: 256}, &fakeBatcher{adapter})
	id := f.open(t, 1, "fake")

	handles := make([]*Handle, 0, 50)
	for i := 0; i < 50; i++ {
		h, err := f.comm.Send(id, 1, []float64{float64(i)})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	var seen []float64
	for _, trip := range adapter.roundTrips() {
		assert.LessOrEqual(t, len(trip), 4)
		for _, req := range trip {
			seen = append(seen, req.Data[0])
		}
	}
	require.Len(t, seen, 50)
	for i, v := range seen {
		assert.Equal(t, float64(i), v)
	}
}

func TestQueueFull(t *testing.T) {
	adapter := newFakeAdapter("fake")
	release := make(chan struct{})
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		<-release
		return backend.Result{}, nil
	})
	f := newFixture(t, Config{MaxBatchSize: 1, QueueSize: 2}, adapter)
	id := f.open(t, 1, "fake")
	defer close(release)

	first, err := f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(adapter.roundTrips()) == 1 }, time.Second, time.Millisecond)
	_ = first

	_, err = f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	_, err = f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	_, err = f.comm.Send(id, 1, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

// ============================================================================
// Batching Tests
// ============================================================================

func TestBatchingCoalescesWithinWindow(t *testing.T) {
	adapter := newFakeAdapter("fake")
	f := newFixture(t, Config{BatchWindow: 50 * time.Millisecond, MaxBatchSize: 8, QueueSize: 64}, &fakeBatcher{adapter})
	id := f.open(t, 1, "fake")

	handles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		h, err := f.comm.Send(id, 1, []float64{float64(i)})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	trips := adapter.roundTrips()
	assert.Less(t, len(trips), 5, "expected fewer round trips than operations")
}

func TestNoBatcherRunsOneByOne(t *testing.T) {
	adapter := newFakeAdapter("fake")
	f := newFixture(t, Config{BatchWindow: 10 * time.Millisecond, MaxBatchSize: 8, QueueSize: 64}, adapter)
	id := f.open(t, 1, "fake")

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := f.comm.Send(id, 1, []float64{float64(i)})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}
	for _, trip := range adapter.roundTrips() {
		assert.Len(t, trip, 1)
	}
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestFaultFailsRestOfBatchAndReports(t *testing.T) {
	adapter := newFakeAdapter("fake")
	gate := make(chan struct{})
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		if req.Data[0] == 0 {
			<-gate
		}
		if req.Data[0] == 2 {
			return backend.Result{}, &backend.Fault{Group: "world1", Reason: "connection closed by peer (rank 1)"}
		}
		return backend.Result{Data: req.Data}, nil
	})
	f := newFixture(t, Config{MaxBatchSize: 8, QueueSize: 64}, &fakeBatcher{adapter})
	id := f.open(t, 1, "fake")

	// op 0 holds the executor so ops 1..3 land in one batch
	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := f.comm.Send(id, 1, []float64{float64(i)})
		require.NoError(t, err)
		handles = append(handles, h)
		if i == 0 {
			require.Eventually(t, func() bool { return len(adapter.roundTrips()) == 1 }, time.Second, time.Millisecond)
		}
	}
	close(gate)

	_, err := wait(t, handles[0])
	require.NoError(t, err)
	_, err = wait(t, handles[1])
	require.NoError(t, err)

	for _, h := range handles[2:] {
		_, err := wait(t, h)
		var of *world.OperationFault
		require.ErrorAs(t, err, &of)
		assert.Equal(t, h.OpID, of.OpID)
		assert.True(t, backend.IsFault(err))
	}
	assert.Equal(t, 1, f.reporter.count(id))
}

func TestAfterFaultLaterOpsFailWithoutBackend(t *testing.T) {
	adapter := newFakeAdapter("fake")
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		return backend.Result{}, &backend.Fault{Group: "world1", Reason: "aborted"}
	})
	f := newFixture(t, noBatching(), adapter)
	id := f.open(t, 1, "fake")

	h1, err := f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	_, err = wait(t, h1)
	require.Error(t, err)

	h2, err := f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	_, err = wait(t, h2)
	var of *world.OperationFault
	require.ErrorAs(t, err, &of)

	assert.Len(t, adapter.roundTrips(), 1)
	assert.Equal(t, 1, f.reporter.count(id))
}

func TestNonFaultErrorKeepsWorldUsable(t *testing.T) {
	adapter := newFakeAdapter("fake")
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		if req.Peer == 7 {
			return backend.Result{}, backend.ErrInvalidPeer
		}
		return backend.Result{}, nil
	})
	f := newFixture(t, noBatching(), adapter)
	id := f.open(t, 1, "fake")

	bad, err := f.comm.Send(id, 7, nil)
	require.NoError(t, err)
	good, err := f.comm.Send(id, 1, nil)
	require.NoError(t, err)

	_, err = wait(t, bad)
	var be *world.BackendError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, backend.ErrInvalidPeer)

	_, err = wait(t, good)
	assert.NoError(t, err)
	assert.Equal(t, 0, f.reporter.count(id))
	assert.Equal(t, types.StatusActive, f.reg.GetStatus(id))
}

func TestNonFaultErrorInsideBatch(t *testing.T) {
	adapter := newFakeAdapter("fake")
	gate := make(chan struct{})
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		if req.Data[0] == 0 {
			<-gate
		}
		if req.Data[0] == 2 {
			return backend.Result{}, backend.ErrShapeMismatch
		}
		return backend.Result{Data: req.Data}, nil
	})
	f := newFixture(t, Config{MaxBatchSize: 8, QueueSize: 64}, &fakeBatcher{adapter})
	id := f.open(t, 1, "fake")

	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := f.comm.Send(id, 1, []float64{float64(i)})
		require.NoError(t, err)
		handles = append(handles, h)
		if i == 0 {
			require.Eventually(t, func() bool { return len(adapter.roundTrips()) == 1 }, time.Second, time.Millisecond)
		}
	}
	close(gate)

	for i, h := range handles {
		_, err := wait(t, h)
		if i == 2 {
			assert.ErrorIs(t, err, backend.ErrShapeMismatch)
		} else {
			assert.NoError(t, err, "op %d", i)
		}
	}
	assert.Equal(t, 0, f.reporter.count(id))
}

// ============================================================================
// Drain Tests
// ============================================================================

func TestDrainFailsQueuedAndLetsInFlightFinish(t *testing.T) {
	adapter := newFakeAdapter("fake")
	release := make(chan struct{})
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		<-release
		return backend.Result{Data: []float64{1}}, nil
	})
	f := newFixture(t, noBatching(), adapter)
	id := f.open(t, 1, "fake")

	inFlight, err := f.comm.Send(id, 1, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(adapter.roundTrips()) == 1 }, time.Second, time.Millisecond)

	queued := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := f.comm.Send(id, 1, nil)
		require.NoError(t, err)
		queued = append(queued, h)
	}

	cause := errors.New("peer crashed")
	exited := f.comm.Drain(id, cause)
	for _, h := range queued {
		_, err := wait(t, h)
		var of *world.OperationFault
		require.ErrorAs(t, err, &of)
		assert.ErrorIs(t, err, cause)
	}

	select {
	case <-exited:
		t.Fatal("executor exited before in-flight op returned")
	default:
	}

	close(release)
	res, err := wait(t, inFlight)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, res.Data)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("executor did not exit")
	}

	_, err = f.comm.Send(id, 1, nil)
	var ue *world.WorldUnavailableError
	assert.ErrorAs(t, err, &ue)
}

func TestDrainUnknownWorldIsClosed(t *testing.T) {
	f := newFixture(t, noBatching(), newFakeAdapter("fake"))
	select {
	case <-f.comm.Drain(types.WorldID{Index: 5}, errors.New("x")):
	default:
		t.Fatal("drain of unknown world should be immediate")
	}
}

// ============================================================================
// Isolation Tests
// ============================================================================

func TestBlockedWorldDoesNotDelayOthers(t *testing.T) {
	slow := newFakeAdapter("slow")
	block := make(chan struct{})
	slow.setHook(func(req backend.Request) (backend.Result, error) {
		<-block
		return backend.Result{}, nil
	})
	fast := newFakeAdapter("fast")
	f := newFixture(t, noBatching(), slow, fast)
	defer close(block)

	slowID := f.open(t, 1, "slow")
	fastID := f.open(t, 2, "fast")

	_, err := f.comm.Send(slowID, 1, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h, err := f.comm.AllReduce(fastID, types.ReduceSum, []float64{1})
		require.NoError(t, err)
		_, err = wait(t, h)
		require.NoError(t, err)
	}
}

func TestRecvFIFOArrivalOrder(t *testing.T) {
	adapter := newFakeAdapter("fake")
	release := make(chan struct{})
	adapter.setHook(func(req backend.Request) (backend.Result, error) {
		if req.Peer == 1 {
			<-release
		}
		return backend.Result{Data: []float64{float64(req.Peer)}}, nil
	})
	f := newFixture(t, noBatching(), adapter)
	slow := f.open(t, 1, "fake")
	fast := f.open(t, 2, "fake")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	arrivals := f.comm.RecvFIFO(ctx, []Source{
		{World: slow, Rank: 1},
		{World: types.WorldID{Index: 9}, Rank: 0},
		{World: fast, Rank: 2},
	})

	first := <-arrivals
	var ue *world.WorldUnavailableError
	assert.ErrorAs(t, first.Err, &ue, "dispatch errors arrive first")

	second := <-arrivals
	require.NoError(t, second.Err)
	assert.Equal(t, fast, second.Source.World)
	assert.Equal(t, []float64{2}, second.Data)

	close(release)
	third := <-arrivals
	require.NoError(t, third.Err)
	assert.Equal(t, Source{World: slow, Rank: 1}, third.Source)
	assert.Equal(t, []float64{1}, third.Data)

	_, open := <-arrivals
	assert.False(t, open)
}

// ============================================================================
// Handle Tests
// ============================================================================

func TestHandleResolvesOnce(t *testing.T) {
	h := newHandle(1, types.WorldID{}, backend.Request{Kind: types.OpSend})
	assert.True(t, h.resolve(backend.Result{Data: []float64{1}}, nil))
	assert.False(t, h.resolve(backend.Result{}, errors.New("late")))

	res, ok, err := h.Poll()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, []float64{1}, res.Data)
}

func TestHandleWaitHonoursContext(t *testing.T) {
	h := newHandle(1, types.WorldID{}, backend.Request{Kind: types.OpRecv})
	_, ok, _ := h.Poll()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseResolvesEverything(t *testing.T) {
	adapter := newFakeAdapter("fake")
	reg := world.NewRegistry(world.WithAdapter(adapter))
	comm := New(reg, noBatching())

	w, err := reg.CreateWorld(context.Background(), types.WorldID{Index: 1}, world.RankSpec{Rank: 0, Size: 1}, "fake", nil)
	require.NoError(t, err)
	comm.Open(w)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, comm.Close(ctx))

	_, err = comm.Send(w.ID, 1, nil)
	var ue *world.WorldUnavailableError
	assert.ErrorAs(t, err, &ue)
}
