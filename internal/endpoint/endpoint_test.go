package endpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ospagent/internal/demux"
	"ospagent/internal/discovery"
	"ospagent/internal/protoconn"
	"ospagent/internal/quicfactory"
)

type recordingEndpointObserver struct {
	running  int
	stopped  int
	incoming []string
	failed   []error
}

func (o *recordingEndpointObserver) OnRunning() { o.running++ }
func (o *recordingEndpointObserver) OnStopped() { o.stopped++ }
func (o *recordingEndpointObserver) OnIncomingConnection(instanceID uint64, remoteAddr string) {
	o.incoming = append(o.incoming, remoteAddr)
}
func (o *recordingEndpointObserver) OnConnectionFailed(requestID uint64, err error) {
	o.failed = append(o.failed, err)
}

func newClientEndpoint(t *testing.T, obs Observer) *Endpoint {
	t.Helper()
	return New(RoleClient, nil, quicfactory.New(0), demux.New(), obs)
}

func TestNewStartsStopped(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.Equal(t, Stopped, e.State())
}

func TestStartClientSkipsListenerAndBecomesRunning(t *testing.T) {
	obs := &recordingEndpointObserver{}
	e := newClientEndpoint(t, obs)
	require.NoError(t, e.Start(""))
	require.Equal(t, Running, e.State())
	require.Equal(t, 1, obs.running)
	require.NoError(t, e.Stop())
	require.Equal(t, Stopped, e.State())
	require.Equal(t, 1, obs.stopped)
}

func TestStartTwiceFails(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.NoError(t, e.Start(""))
	require.Error(t, e.Start(""))
	require.NoError(t, e.Stop())
}

func TestStopRequiresRunningOrSuspended(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.Error(t, e.Stop())
}

func TestSuspendResumeAreServerOnly(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.NoError(t, e.Start(""))
	require.Error(t, e.Suspend())
	require.Error(t, e.Resume())
	require.NoError(t, e.Stop())
}

func TestSuspendResumeCycleAndCheckWritable(t *testing.T) {
	e := New(RoleServer, nil, quicfactory.New(0), demux.New(), nil)
	require.Error(t, e.Suspend(), "suspend before running")

	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()

	require.NoError(t, e.CheckWritable())
	require.NoError(t, e.Suspend())
	require.Equal(t, Suspended, e.State())
	require.Error(t, e.CheckWritable())
	require.Error(t, e.Suspend(), "suspend requires Running")

	require.NoError(t, e.Resume())
	require.Equal(t, Running, e.State())
	require.NoError(t, e.CheckWritable())
	require.Error(t, e.Resume(), "resume requires Suspended")
}

func TestInstanceIDAllocatorIsMonotonicAndResets(t *testing.T) {
	a := newInstanceIDAllocator()
	require.Equal(t, uint64(1), a.allocate())
	require.Equal(t, uint64(2), a.allocate())
	require.Equal(t, uint64(3), a.allocate())
	a.reset()
	require.Equal(t, uint64(1), a.allocate())
}

func TestInstanceIDsResetAcrossStopStart(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.NoError(t, e.Start(""))
	first := e.instanceIDs.allocate()
	require.NoError(t, e.Stop())
	require.NoError(t, e.Start(""))
	second := e.instanceIDs.allocate()
	require.NoError(t, e.Stop())
	require.Equal(t, first, second)
}

func TestConnectRequiresClientRole(t *testing.T) {
	e := New(RoleServer, nil, quicfactory.New(0), demux.New(), nil)
	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()
	_, err := e.Connect(context.Background(), "peer", "fp", "addr:1", nil)
	require.Error(t, err)
}

func TestConnectRequiresRunning(t *testing.T) {
	e := newClientEndpoint(t, nil)
	_, err := e.Connect(context.Background(), "peer", "fp", "addr:1", nil)
	require.Error(t, err)
}

func TestConnectFailureInvokesCallbackAndObserver(t *testing.T) {
	obs := &recordingEndpointObserver{}
	e := newClientEndpoint(t, obs)
	require.NoError(t, e.Start(""))
	defer e.Stop()

	done := make(chan error, 1)
	_, err := e.Connect(context.Background(), "peer", "fp", "", func(pc *protoconn.Connection, instanceID uint64, err error) {
		done <- err
	})
	require.NoError(t, err)

	cbErr := <-done
	require.Error(t, cbErr, "empty dial address should fail fast")

	e.mu.Lock()
	_, stillPending := e.pendingByName["peer"]
	e.mu.Unlock()
	require.False(t, stillPending)
	require.Len(t, obs.failed, 1)
}

func TestConnectCoalescesWaitersForSameInstance(t *testing.T) {
	e := newClientEndpoint(t, nil)
	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &pendingEntry{instanceName: "peer", ctx: ctx, cancel: cancel}
	e.pendingByName["peer"] = p

	var got []uint64
	reqID, err := e.Connect(context.Background(), "peer", "fp", "addr:1", func(pc *protoconn.Connection, instanceID uint64, err error) {
		got = append(got, instanceID)
	})
	require.NoError(t, err)
	require.NotZero(t, reqID)

	e.mu.Lock()
	entry := e.pendingByName["peer"]
	e.mu.Unlock()
	require.Same(t, p, entry, "coalescing must not replace the existing pending entry")

	entry.mu.Lock()
	require.Len(t, entry.waiters, 1)
	require.Equal(t, reqID, entry.waiters[0].requestID)
	entry.mu.Unlock()
}

func TestCancelConnectRemovesOnlyMatchingWaiter(t *testing.T) {
	e := newClientEndpoint(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	canceled := false
	p := &pendingEntry{
		instanceName: "peer",
		ctx:          ctx,
		cancel:       func() { canceled = true; cancel() },
		waiters: []waiter{
			{requestID: 1, callback: func(*protoconn.Connection, uint64, error) {}},
			{requestID: 2, callback: func(*protoconn.Connection, uint64, error) {}},
		},
	}
	e.pendingByName["peer"] = p

	e.CancelConnect(1)

	p.mu.Lock()
	require.Len(t, p.waiters, 1)
	require.Equal(t, uint64(2), p.waiters[0].requestID)
	p.mu.Unlock()
	require.False(t, canceled, "other waiters remain, dial must continue")

	e.CancelConnect(2)
	p.mu.Lock()
	require.Empty(t, p.waiters)
	p.mu.Unlock()
	require.True(t, canceled, "last waiter gone, in-flight dial should be canceled")

	e.mu.Lock()
	_, stillPending := e.pendingByName["peer"]
	e.mu.Unlock()
	require.False(t, stillPending)
}

type fakeTracker struct {
	entries map[string]discovery.Entry
}

func (f *fakeTracker) Lookup(instanceName string) (discovery.Entry, bool) {
	e, ok := f.entries[instanceName]
	return e, ok
}
func (f *fakeTracker) List() []discovery.Entry { return nil }

func TestConnectByNameRequiresTracker(t *testing.T) {
	e := newClientEndpoint(t, nil)
	require.NoError(t, e.Start(""))
	defer e.Stop()
	_, err := e.ConnectByName(context.Background(), "peer", nil)
	require.Error(t, err)
}

func TestConnectByNameRejectsUnknownInstance(t *testing.T) {
	e := newClientEndpoint(t, nil)
	e.SetDiscoveryTracker(&fakeTracker{entries: map[string]discovery.Entry{}})
	require.NoError(t, e.Start(""))
	defer e.Stop()
	_, err := e.ConnectByName(context.Background(), "peer", nil)
	require.Error(t, err)
}

func TestConnectByNameRejectsEntryWithoutEndpoint(t *testing.T) {
	e := newClientEndpoint(t, nil)
	e.SetDiscoveryTracker(&fakeTracker{entries: map[string]discovery.Entry{
		"peer": {InstanceName: "peer", Fingerprint: "fp"},
	}})
	require.NoError(t, e.Start(""))
	defer e.Stop()
	_, err := e.ConnectByName(context.Background(), "peer", nil)
	require.Error(t, err)
}
