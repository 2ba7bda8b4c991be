package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// fakeSession is an in-memory interfaces.Session that hands its outbound
// payloads to a shared recorder instead of touching any real transport.
type fakeSession struct {
	mu        sync.Mutex
	shifted   dcid.ShiftedDcId
	sent      []*interfaces.Request
	rec       *recorder
	restarted bool
}

type recorder struct {
	mu   sync.Mutex
	sent []sentEntry
}

type sentEntry struct {
	dc      dcid.ShiftedDcId
	payload *interfaces.Request
}

func (r *recorder) record(dc dcid.ShiftedDcId, p *interfaces.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEntry{dc: dc, payload: p})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) last() sentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func (s *fakeSession) Start()             {}
func (s *fakeSession) Stop()              {}
func (s *fakeSession) Kill()              {}
func (s *fakeSession) Restart() {
	s.mu.Lock()
	s.restarted = true
	s.mu.Unlock()
}
func (s *fakeSession) ReInitConnection()  {}
func (s *fakeSession) Unpaused()          {}
func (s *fakeSession) Ping()              {}
func (s *fakeSession) RefreshOptions()    {}
func (s *fakeSession) Transport() string  { return "fake" }

func (s *fakeSession) SendPrepared(payload *interfaces.Request, _ time.Duration) {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
	s.rec.record(s.shifted, payload)
}

func (s *fakeSession) Cancel(requestId int32, msgId int64) {}

func (s *fakeSession) RequestState(requestId int32) interfaces.SessionState {
	return interfaces.StateSent
}
func (s *fakeSession) GetState() interfaces.SessionState { return interfaces.StateSent }
func (s *fakeSession) GetDcWithShift() dcid.ShiftedDcId  { return s.shifted }

type fakeKey struct {
	dc dcid.DcId
	id uint64
}

func (k *fakeKey) DcId() dcid.DcId { return k.dc }
func (k *fakeKey) KeyId() uint64   { return k.id }

type fakeDcenter struct {
	dc  dcid.DcId
	key interfaces.PersistentKey
}

func (d *fakeDcenter) DcId() dcid.DcId               { return d.dc }
func (d *fakeDcenter) Key() interfaces.PersistentKey { return d.key }
func (d *fakeDcenter) DestroyConfirmedForgottenKey(keyId uint64) bool {
	if d.key == nil || d.key.KeyId() != keyId {
		return false
	}
	d.key = nil
	return true
}

type fakeCodec struct{}

func (fakeCodec) EncodeExportAuthorization(dc dcid.DcId) []byte { return []byte("export") }
func (fakeCodec) DecodeExportedAuthorization(body []byte) (int64, []byte, bool) {
	return 1, []byte("data"), true
}
func (fakeCodec) EncodeImportAuthorization(exportedId int64, data []byte) []byte {
	return []byte("import")
}

func newTestInstance(t *testing.T, mainDc dcid.DcId) (*Instance, *recorder, clock.Clock) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewMock()

	sessFactory := func(shifted dcid.ShiftedDcId, dc interfaces.Dcenter) interfaces.Session {
		return &fakeSession{shifted: shifted, rec: rec}
	}
	dcFactory := func(id dcid.DcId, key interfaces.PersistentKey) interfaces.Dcenter {
		return &fakeDcenter{dc: id, key: key}
	}

	inst := New(Deps{
		SessionFactory: sessFactory,
		DcenterFactory: dcFactory,
		AuthCodec:      fakeCodec{},
		MainDcId:       mainDc,
		Clock:          clk,
	})
	t.Cleanup(inst.Stop)
	return inst, rec, clk
}

func TestSendRegistersAndDispatchesToMainSession(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)

	var done bool
	id := inst.Send(&interfaces.Request{Body: []byte("ping")}, interfaces.Callbacks{
		OnDone: func(requestId int32, result []byte) bool {
			done = true
			return true
		},
	}, 0, 0, false, 0)

	require.NotZero(t, id)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, dcid.ShiftedDcId(2), rec.last().dc)

	inst.ExecResult(id, []byte("pong"))
	assert.True(t, done)
}

func TestMigrateFollowMainSwitchesMainDc(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)

	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{}, 0, 0, false, 0)
	require.Equal(t, 1, rec.count())

	inst.ExecError(id, interfaces.RPCError{Type: "PHONE_MIGRATE_4", Code: 303})
	assert.Equal(t, dcid.DcId(4), inst.MainDcId())
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, dcid.ShiftedDcId(4), rec.last().dc)
}

func TestFloodWaitSchedulesDelayedResend(t *testing.T) {
	inst, rec, clk := newTestInstance(t, 2)
	mock := clk.(*clock.Mock)

	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{}, 0, 0, false, 0)
	require.Equal(t, 1, rec.count())

	inst.ExecError(id, interfaces.RPCError{Type: "FLOOD_WAIT_1", Code: 420})
	assert.Equal(t, 1, rec.count())

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
}

func TestAuthFailureParksForImportWhenOffMain(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)
	inst.SetAuthorized(true)

	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{}, dcid.ShiftedDcId(4), 0, false, 0)
	require.Equal(t, 1, rec.count())

	inst.ExecError(id, interfaces.RPCError{Type: "AUTH_KEY_UNREGISTERED", Code: 401})

	// The export request itself is sent on the main DC.
	assert.Equal(t, dcid.ShiftedDcId(2), rec.last().dc)
}

func TestExecErrorReachesFailCallbackWhenErrorPolicyDeclines(t *testing.T) {
	inst, _, _ := newTestInstance(t, 2)

	var got interfaces.RPCError
	var handled bool
	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{
		OnFail: func(requestId int32, err interfaces.RPCError) bool {
			got = err
			handled = true
			return true
		},
	}, 0, 0, false, 0)

	inst.ExecError(id, interfaces.RPCError{Type: "SOME_RANDOM_ERROR", Code: 400})
	assert.True(t, handled)
	assert.Equal(t, "SOME_RANDOM_ERROR", got.Type)
}

func TestGuestDcFileIdInvalidIsDeadLetteredWithoutGlobalFailback(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)

	// Unauthenticated and off-main: the guest-dc recovery path has nowhere
	// to export/import to, so the request must die silently instead of
	// surfacing through the (shared, noisy) global fail handler.
	var globalCalled bool
	inst.SetGlobalFailHandler(func(requestId int32, err interfaces.RPCError) bool {
		globalCalled = true
		return true
	})

	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{}, dcid.ShiftedDcId(4), 0, false, 0)
	require.Equal(t, 1, rec.count())

	inst.ExecError(id, interfaces.RPCError{Type: "FILE_ID_INVALID", Code: 400})

	assert.False(t, globalCalled)
	assert.Equal(t, 1, rec.count())
	_, ok := inst.reg.Query(id)
	assert.False(t, ok)
}

func TestDependentRequestParksAlongsidePredecessorOnMsgWaitFailed(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)
	inst.SetAuthorized(true)

	afterId := inst.Send(&interfaces.Request{Body: []byte("after")}, interfaces.Callbacks{}, dcid.ShiftedDcId(4), 0, false, 0)
	require.Equal(t, 1, rec.count())

	// Off-main auth failure parks afterId waiting for an auth import; the
	// export request itself goes out on the main DC.
	inst.ExecError(afterId, interfaces.RPCError{Type: "AUTH_KEY_UNREGISTERED", Code: 401})
	assert.Equal(t, 2, rec.count())

	dependentId := inst.Send(&interfaces.Request{Body: []byte("dependent")}, interfaces.Callbacks{}, dcid.ShiftedDcId(4), 0, false, afterId)
	require.Equal(t, 3, rec.count())

	inst.ExecError(dependentId, interfaces.RPCError{Type: "MSG_WAIT_FAILED", Code: 400})

	// Parked alongside its predecessor rather than resent: no new traffic,
	// but its callbacks must survive so the eventual import resend can
	// still deliver to them.
	assert.Equal(t, 3, rec.count())
	assert.True(t, inst.reg.HasCallbacks(dependentId))
}

func TestCancelRemovesBookkeeping(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)
	id := inst.Send(&interfaces.Request{Body: make([]byte, 20)}, interfaces.Callbacks{}, 0, 0, false, 0)
	require.Equal(t, 1, rec.count())

	inst.Cancel(id)
	_, ok := inst.reg.Query(id)
	assert.False(t, ok)
}

func TestGlobalFailHandlerInvokedOnUnrecoverableError(t *testing.T) {
	inst, _, _ := newTestInstance(t, 2)

	var got interfaces.RPCError
	inst.SetGlobalFailHandler(func(requestId int32, err interfaces.RPCError) bool {
		got = err
		return true
	})

	// Auth failure for a request that follows the main DC has nowhere to
	// import to, so the error policy engine surfaces it through the global
	// fail handler.
	id := inst.Send(&interfaces.Request{Body: []byte("req")}, interfaces.Callbacks{}, 0, 0, false, 0)
	inst.ExecError(id, interfaces.RPCError{Type: "AUTH_KEY_UNREGISTERED", Code: 401})
	assert.Equal(t, "AUTH_KEY_UNREGISTERED", got.Type)
}

func TestKeyDestroyedOnServerClearsMatchingKeyAndRestartsSessions(t *testing.T) {
	inst, rec, _ := newTestInstance(t, 2)
	require.Equal(t, 0, rec.count())

	key := &fakeKey{dc: 2, id: 99}
	dc := inst.dirs.AddWithOptionalKey(dcid.ShiftedDcId(2), key).(*fakeDcenter)

	sess, ok := inst.pool.Find(dcid.ShiftedDcId(2))
	require.True(t, ok)
	fsess := sess.(*fakeSession)

	// This path is available regardless of keys-destroyer mode: it is not
	// gated on inst.destroyer being set, unlike the per-slot flow.
	inst.KeyDestroyedOnServer(dcid.ShiftedDcId(2), 99)

	assert.Nil(t, dc.key)
	fsess.mu.Lock()
	restarted := fsess.restarted
	fsess.mu.Unlock()
	assert.True(t, restarted)
}

func TestKeyDestroyedOnServerIgnoresMismatchedKeyId(t *testing.T) {
	inst, _, _ := newTestInstance(t, 2)

	key := &fakeKey{dc: 2, id: 99}
	dc := inst.dirs.AddWithOptionalKey(dcid.ShiftedDcId(2), key).(*fakeDcenter)

	sess, ok := inst.pool.Find(dcid.ShiftedDcId(2))
	require.True(t, ok)
	fsess := sess.(*fakeSession)

	inst.KeyDestroyedOnServer(dcid.ShiftedDcId(2), 1234)

	assert.NotNil(t, dc.key)
	fsess.mu.Lock()
	restarted := fsess.restarted
	fsess.mu.Unlock()
	assert.False(t, restarted)
}

// countingLoader is an interfaces.ConfigLoader that only counts Load calls.
type countingLoader struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) SetPhone(string) {}

func (l *countingLoader) Load(context.Context) (interfaces.ServerConfig, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return interfaces.ServerConfig{}, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestRequestConfigIsNoOpInKeysDestroyerMode(t *testing.T) {
	rec := &recorder{}
	loader := &countingLoader{}
	sessFactory := func(shifted dcid.ShiftedDcId, dc interfaces.Dcenter) interfaces.Session {
		return &fakeSession{shifted: shifted, rec: rec}
	}
	dcFactory := func(id dcid.DcId, key interfaces.PersistentKey) interfaces.Dcenter {
		return &fakeDcenter{dc: id, key: key}
	}

	inst := New(Deps{
		SessionFactory:    sessFactory,
		DcenterFactory:    dcFactory,
		AuthCodec:         fakeCodec{},
		ConfigLoader:      loader,
		KeysDestroyerMode: true,
		Clock:             clock.NewMock(),
	})
	defer inst.Stop()

	inst.RequestConfig(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, loader.count())
}
