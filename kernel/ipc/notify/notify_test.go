package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

type pair struct {
	host, remote *Module
}

func newPair(t *testing.T) pair {
	t.Helper()
	f, err := authority.NewFabric(authority.FabricConfig{Processors: []string{"HOST", "SYSM3"}, NumSpinlocks: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	host, err := New(f.MustAttach(0), DefaultConfig(), nil)
	require.NoError(t, err)
	remote, err := New(f.MustAttach(1), DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = host.Close()
		_ = remote.Close()
	})
	return pair{host: host, remote: remote}
}

type recorder struct {
	mu  sync.Mutex
	got []uint32
}

func (r *recorder) callback(_ authority.ProcID, _ uint16, _ uint32, _ any, payload uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, payload)
}

func (r *recorder) payloads() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.got...)
}

func TestSendEventDeliversInOrder(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}
	require.NoError(t, p.remote.RegisterEvent(0, 0, 10, rec.callback, nil))

	ctx := context.Background()
	for i := uint32(1); i <= 20; i++ {
		require.NoError(t, p.host.SendEvent(ctx, 1, 0, 10, i, true))
	}

	require.Eventually(t, func() bool { return len(rec.payloads()) == 20 }, 2*time.Second, 5*time.Millisecond)
	for i, v := range rec.payloads() {
		assert.Equal(t, uint32(i+1), v)
	}
	assert.Equal(t, uint64(20), p.host.Stats().Sent)
}

func TestSendEventNotRegistered(t *testing.T) {
	p := newPair(t)

	err := p.host.SendEvent(context.Background(), 1, 0, 10, 1, true)
	assert.ErrorIs(t, err, ipcerr.ErrEventNotRegistered)
	assert.True(t, ipcerr.IsRetryable(err))

	err = p.host.SendEvent(context.Background(), 0, 0, 10, 1, true)
	assert.ErrorIs(t, err, ipcerr.ErrEventNotRegistered)
}

func TestReservedEvents(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}

	for id := uint32(0); id < 4; id++ {
		assert.ErrorIs(t, p.remote.RegisterEvent(0, 0, id, rec.callback, nil), ipcerr.ErrEventReserved)
		assert.ErrorIs(t, p.host.SendEvent(context.Background(), 1, 0, id, 0, false), ipcerr.ErrEventReserved)
		assert.False(t, p.remote.EventAvailable(0, 0, id))
	}

	require.NoError(t, p.remote.RegisterEvent(0, 0, SystemEvent(EventTransport), rec.callback, nil))
	require.NoError(t, p.host.SendEvent(context.Background(), 1, 0, SystemEvent(EventTransport), 77, true))
	require.Eventually(t, func() bool { return len(rec.payloads()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegisterEventSingle(t *testing.T) {
	p := newPair(t)
	a, b := &recorder{}, &recorder{}

	require.NoError(t, p.remote.RegisterEventSingle(0, 0, 5, a.callback, nil))
	assert.ErrorIs(t, p.remote.RegisterEventSingle(0, 0, 5, b.callback, nil), ipcerr.ErrInvalidState)
	assert.ErrorIs(t, p.remote.RegisterEvent(0, 0, 5, b.callback, nil), ipcerr.ErrInvalidState)
	assert.False(t, p.remote.EventAvailable(0, 0, 5))

	require.NoError(t, p.remote.UnregisterEventSingle(0, 0, 5))
	assert.ErrorIs(t, p.remote.UnregisterEventSingle(0, 0, 5), ipcerr.ErrNotFound)
	require.NoError(t, p.remote.RegisterEventSingle(0, 0, 5, b.callback, nil))
}

func TestMultipleRegistrantsAndUnregister(t *testing.T) {
	p := newPair(t)
	a, b := &recorder{}, &recorder{}

	require.NoError(t, p.remote.RegisterEvent(0, 0, 6, a.callback, "a"))
	require.NoError(t, p.remote.RegisterEvent(0, 0, 6, b.callback, "b"))
	require.NoError(t, p.host.SendEvent(context.Background(), 1, 0, 6, 1, true))
	require.Eventually(t, func() bool {
		return len(a.payloads()) == 1 && len(b.payloads()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, p.remote.UnregisterEvent(0, 0, 6, a.callback, "b"), ipcerr.ErrNotFound)
	require.NoError(t, p.remote.UnregisterEvent(0, 0, 6, a.callback, "a"))
	require.NoError(t, p.remote.UnregisterEvent(0, 0, 6, b.callback, "b"))

	err := p.host.SendEvent(context.Background(), 1, 0, 6, 2, true)
	assert.ErrorIs(t, err, ipcerr.ErrEventNotRegistered)
}

func TestDisableDefersUntilRestore(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}
	require.NoError(t, p.remote.RegisterEvent(0, 0, 8, rec.callback, nil))

	outer, err := p.remote.Disable(0, 0)
	require.NoError(t, err)
	inner, err := p.remote.Disable(0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, p.host.SendEvent(ctx, 1, 0, 8, i, true))
	}
	require.Eventually(t, func() bool { return p.remote.Stats().Received == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.payloads())

	assert.ErrorIs(t, p.remote.Restore(0, 0, outer), ipcerr.ErrInvalidArgument)
	require.NoError(t, p.remote.Restore(0, 0, inner))
	assert.Empty(t, rec.payloads())
	require.NoError(t, p.remote.Restore(0, 0, outer))

	assert.Equal(t, []uint32{1, 2, 3}, rec.payloads())
}

func TestDisableChecksLine(t *testing.T) {
	p := newPair(t)

	_, err := p.remote.Disable(2, 0)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	_, err = p.remote.Disable(0, 99)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, p.remote.Restore(0, 99, 1), ipcerr.ErrInvalidArgument)
	assert.Empty(t, p.remote.lineDepth)
}

func TestDisableEventIsIndependent(t *testing.T) {
	p := newPair(t)
	masked, open := &recorder{}, &recorder{}
	require.NoError(t, p.remote.RegisterEvent(0, 0, 8, masked.callback, nil))
	require.NoError(t, p.remote.RegisterEvent(0, 0, 9, open.callback, nil))

	require.NoError(t, p.remote.DisableEvent(0, 0, 8))
	ctx := context.Background()
	require.NoError(t, p.host.SendEvent(ctx, 1, 0, 8, 100, true))
	require.NoError(t, p.host.SendEvent(ctx, 1, 0, 9, 200, true))

	require.Eventually(t, func() bool { return len(open.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, masked.payloads())

	require.NoError(t, p.remote.EnableEvent(0, 0, 8))
	assert.Equal(t, []uint32{100}, masked.payloads())
}

func TestLoopback(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}
	require.NoError(t, p.host.RegisterEvent(0, 0, 12, rec.callback, nil))
	require.NoError(t, p.host.SendEvent(context.Background(), 0, 0, 12, 9, true))
	require.Eventually(t, func() bool { return len(rec.payloads()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestArgumentValidation(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}

	assert.ErrorIs(t, p.remote.RegisterEvent(0, 0, 40, rec.callback, nil), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, p.remote.RegisterEvent(0, 3, 10, rec.callback, nil), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, p.remote.RegisterEvent(7, 0, 10, rec.callback, nil), ipcerr.ErrInvalidArgument)
	assert.ErrorIs(t, p.remote.RegisterEvent(0, 0, 10, nil, nil), ipcerr.ErrInvalidArgument)
	assert.True(t, p.remote.IntLineRegistered(0, 0))
	assert.False(t, p.remote.IntLineRegistered(0, 1))
}

func TestCallbackPanicIsContained(t *testing.T) {
	p := newPair(t)
	rec := &recorder{}
	require.NoError(t, p.remote.RegisterEvent(0, 0, 11, func(authority.ProcID, uint16, uint32, any, uint32) {
		panic("boom")
	}, nil))
	require.NoError(t, p.remote.RegisterEvent(0, 0, 12, rec.callback, nil))

	ctx := context.Background()
	require.NoError(t, p.host.SendEvent(ctx, 1, 0, 11, 0, true))
	require.NoError(t, p.host.SendEvent(ctx, 1, 0, 12, 5, true))
	require.Eventually(t, func() bool { return len(rec.payloads()) == 1 }, time.Second, 5*time.Millisecond)
}

// MockAuthority is a mock implementation of authority.Authority
type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Self() authority.ProcID { return authority.ProcID(m.Called().Int(0)) }
func (m *MockAuthority) NumProcessors() uint16  { return uint16(m.Called().Int(0)) }
func (m *MockAuthority) ProcName(id authority.ProcID) string {
	return m.Called(id).String(0)
}
func (m *MockAuthority) ProcID(name string) (authority.ProcID, error) {
	args := m.Called(name)
	return args.Get(0).(authority.ProcID), args.Error(1)
}
func (m *MockAuthority) Regions() []authority.RegionConfig {
	return m.Called().Get(0).([]authority.RegionConfig)
}
func (m *MockAuthority) NumSpinlocks() uint32 { return uint32(m.Called().Int(0)) }
func (m *MockAuthority) ReserveSpinlock() (uint32, error) {
	args := m.Called()
	return args.Get(0).(uint32), args.Error(1)
}
func (m *MockAuthority) FreeSpinlock(id uint32) error       { return m.Called(id).Error(0) }
func (m *MockAuthority) TryAcquireSpinlock(id uint32) bool { return m.Called(id).Bool(0) }
func (m *MockAuthority) ReleaseSpinlock(id uint32)         { m.Called(id) }
func (m *MockAuthority) SendInterrupt(ctx context.Context, dst authority.ProcID, line uint16, event uint32, payload uint32, waitClear bool) error {
	return m.Called(ctx, dst, line, event, payload, waitClear).Error(0)
}
func (m *MockAuthority) ListenInterrupts(line uint16, isr authority.ISR) error {
	return m.Called(line, isr).Error(0)
}
func (m *MockAuthority) StopInterrupts(line uint16) error { return m.Called(line).Error(0) }
func (m *MockAuthority) SetEventRegistered(peer authority.ProcID, line uint16, event uint32, registered bool) {
	m.Called(peer, line, event, registered)
}
func (m *MockAuthority) EventRegistered(dst authority.ProcID, line uint16, event uint32) bool {
	return m.Called(dst, line, event).Bool(0)
}

func TestSendEventUsesAuthority(t *testing.T) {
	auth := new(MockAuthority)
	auth.On("Self").Return(0)
	auth.On("NumProcessors").Return(2)
	auth.On("ListenInterrupts", uint16(0), mock.Anything).Return(nil)
	auth.On("StopInterrupts", uint16(0)).Return(nil)
	auth.On("EventRegistered", authority.ProcID(1), uint16(0), uint32(20)).Return(true)
	auth.On("SendInterrupt", mock.Anything, authority.ProcID(1), uint16(0), uint32(20), uint32(99), true).
		Return(ipcerr.New(ipcerr.CodeTimeout, "mailbox full"))

	m, err := New(auth, DefaultConfig(), nil)
	require.NoError(t, err)

	err = m.SendEvent(context.Background(), 1, 0, 20, 99, true)
	assert.ErrorIs(t, err, ipcerr.ErrTimeout)
	assert.Equal(t, uint64(0), m.Stats().Sent)

	require.NoError(t, m.Close())
	auth.AssertExpectations(t)
}

func TestNewFailsWhenLineBusy(t *testing.T) {
	auth := new(MockAuthority)
	auth.On("Self").Return(0)
	auth.On("ListenInterrupts", uint16(0), mock.Anything).Return(ipcerr.InvalidState("busy"))

	_, err := New(auth, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidState)
}
