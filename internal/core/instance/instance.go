// Package instance 把请求注册表、DC 目录、会话池、路由器、错误策略引擎、
// 配置循环和密钥销毁驱动器组装成一个完整的编排器门面。
//
// Instance 拥有一个逻辑上的主循环：所有改变共享状态的方法都可以从任意
// goroutine调用，但真正改变 registry/directory/pool 的工作通过
// invokeQueued 串行化到同一个 worker goroutine 上执行，镜像原始实现里
// “非线程安全状态只在一个逻辑线程上变动”的约束。
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/mtpcore/internal/core/configloop"
	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/directory"
	"github.com/dep2p/mtpcore/internal/core/errorpolicy"
	"github.com/dep2p/mtpcore/internal/core/keysdestroyer"
	"github.com/dep2p/mtpcore/internal/core/registry"
	"github.com/dep2p/mtpcore/internal/core/router"
	"github.com/dep2p/mtpcore/internal/core/sessionpool"
	"github.com/dep2p/mtpcore/pkg/events"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("core/instance")

// Instance 是编排器对外暴露的完整门面。
type Instance struct {
	mu sync.Mutex

	reg   *registry.Registry
	dirs  *directory.Directory
	pool  *sessionpool.Pool
	route *router.Router
	errs  *errorpolicy.Engine
	loop  *configloop.Loop

	destroyer *keysdestroyer.Destroyer
	bus       interfaces.EventBus

	clock clock.Clock

	work chan func()
	done chan struct{}
	wg   sync.WaitGroup

	keysDestroyerMode bool
	mainDcId          dcid.DcId
	hasAuthorization  bool

	globalFail interfaces.FailHandler
}

// Deps groups every collaborator the facade needs from its caller: the
// concrete transport-owning Session/Dcenter factories, the DC-options
// table, and optional ambient services (metrics, event bus).
type Deps struct {
	SessionFactory   sessionpool.Factory
	DcenterFactory   directory.Factory
	AuthCodec        errorpolicy.AuthCodec
	ConfigLoader     interfaces.ConfigLoader
	DcOptions        interfaces.DcOptions
	Persistence      interfaces.Persistence
	Application      interfaces.Application
	Language         interfaces.LanguageManager
	TimeSync         interfaces.TimeSync
	CDNFetcher       func(ctx context.Context) (interfaces.CdnConfig, error)
	KeysDestroyerRPC keysdestroyer.RPC
	Metrics          interfaces.Metrics
	EventBus         interfaces.EventBus
	Clock            clock.Clock

	MainDcId                           dcid.DcId
	KeysDestroyerMode                  bool
	ExperimentalMigrateViaExportImport bool
}

// New wires every collaborator together and starts the work loop.
func New(deps Deps) *Instance {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	reg := registry.New()
	dirs := directory.New(deps.DcenterFactory)

	inst := &Instance{
		reg:               reg,
		dirs:              dirs,
		clock:             deps.Clock,
		work:              make(chan func(), 256),
		done:              make(chan struct{}),
		keysDestroyerMode: deps.KeysDestroyerMode,
		mainDcId:          deps.MainDcId,
		bus:               deps.EventBus,
	}

	var onSessionStarted sessionpool.OnSessionStarted
	pool := sessionpool.New(dirs, deps.SessionFactory, deps.KeysDestroyerMode, onSessionStarted)
	pool.SetMainDcId(deps.MainDcId)
	inst.pool = pool

	inst.route = router.New(reg, pool)

	inst.errs = errorpolicy.New(errorpolicy.Config{
		Registry:      reg,
		Pool:          pool,
		Sender:        inst.route,
		Codec:         deps.AuthCodec,
		Clock:         deps.Clock,
		NextRequestId: router.NextRequestId,
		HasAuthorization: func() bool {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			return inst.hasAuthorization
		},
		MainDcId: func() dcid.DcId {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			return inst.mainDcId
		},
		SwitchMainDc: func(newDc dcid.DcId) {
			inst.SetMainDcId(newDc)
		},
		ResetLanguage: func() {
			if deps.Language != nil {
				deps.Language.ResetToDefault()
			}
		},
		Metrics: deps.Metrics,
	})
	inst.errs.ExperimentalMigrateViaExportImport = deps.ExperimentalMigrateViaExportImport

	if deps.ConfigLoader != nil {
		inst.loop = configloop.New(configloop.Config{
			Loader:          deps.ConfigLoader,
			DcOptions:       deps.DcOptions,
			Persistence:     deps.Persistence,
			Application:     deps.Application,
			Language:        deps.Language,
			CDNFetcher:      deps.CDNFetcher,
			TimeSync:        deps.TimeSync,
			Clock:           deps.Clock,
			IsKeysDestroyer: deps.KeysDestroyerMode,
		})
	}

	if deps.KeysDestroyerMode && deps.KeysDestroyerRPC != nil {
		inst.destroyer = keysdestroyer.New(dirs, pool, deps.KeysDestroyerRPC, deps.Clock, func() {
			inst.emit(&events.AllKeysDestroyed{})
		})
	}

	inst.wg.Add(1)
	go inst.runLoop()

	if !deps.KeysDestroyerMode && deps.MainDcId != 0 {
		inst.invokeQueued(func() { pool.StartMain() })
	}

	return inst
}

// runLoop is the single goroutine that serializes every mutation of the
// registry/directory/pool, mirroring the original's single-threaded
// assumption for non-thread-safe state.
func (inst *Instance) runLoop() {
	defer inst.wg.Done()
	for {
		select {
		case fn := <-inst.work:
			fn()
			inst.dirs.DrainQuarantine()
			inst.pool.DrainQuarantine()
		case <-inst.done:
			return
		}
	}
}

// invokeQueued schedules fn to run on the work loop and blocks until it
// has executed, mirroring InvokeQueued/base::call_delayed(0, ...) in the
// original source.
func (inst *Instance) invokeQueued(fn func()) {
	reply := make(chan struct{})
	select {
	case inst.work <- func() { fn(); close(reply) }:
		<-reply
	case <-inst.done:
	}
}

func (inst *Instance) emit(event interface{}) {
	if inst.bus == nil {
		return
	}
	typ := event
	emitter, err := inst.bus.Emitter(typ)
	if err != nil {
		logger.Error("failed to obtain emitter", "error", err)
		return
	}
	defer emitter.Close()
	if err := emitter.Emit(event); err != nil {
		logger.Error("failed to emit event", "error", err)
	}
}

// Stop halts the work loop. Callers must not invoke any other method
// afterwards.
func (inst *Instance) Stop() {
	close(inst.done)
	inst.wg.Wait()
}

// Send submits a new application request. The error policy engine gets
// first look at any failure — migrate/flood-wait/auth-import/needs-layer
// recovery takes priority, mirroring rpcErrorOccured's preference for
// silent recovery over surfacing errors to the caller — and callbacks.OnFail
// only runs once the engine has declined to handle the error itself.
func (inst *Instance) Send(payload *interfaces.Request, callbacks interfaces.Callbacks, shiftedDc dcid.ShiftedDcId, msCanWait time.Duration, needsLayer bool, afterRequestId int32) int32 {
	requestId := router.NextRequestId()
	var wrapped interfaces.Callbacks
	wrapped.OnDone = callbacks.OnDone
	wrapped.OnFail = func(id int32, err interfaces.RPCError) bool {
		if inst.errs.OnErrorDefault(id, err) {
			// The engine has a retry in flight for id: it will reach a
			// final outcome through a future ExecResult/ExecError, so the
			// callbacks just taken by that dispatch must go back.
			inst.invokeQueued(func() { inst.reg.PutCallbacksBack(id, wrapped) })
			return true
		}
		inst.invokeQueued(func() { inst.reg.Unregister(id) })
		if callbacks.OnFail != nil {
			return callbacks.OnFail(id, err)
		}
		return false
	}
	inst.invokeQueued(func() {
		inst.route.Send(requestId, payload, wrapped, shiftedDc, msCanWait, needsLayer, afterRequestId)
	})
	return requestId
}

// Cancel cancels a previously submitted request.
func (inst *Instance) Cancel(requestId int32) {
	inst.invokeQueued(func() { inst.route.Cancel(requestId) })
}

// State returns the session state backing requestId.
func (inst *Instance) State(requestId int32) interfaces.SessionState {
	return inst.route.State(requestId)
}

// ExecResult dispatches a successful server response to the request's
// stored callback, clearing its bookkeeping regardless of the callback's
// own return value.
func (inst *Instance) ExecResult(requestId int32, result []byte) {
	var cb interfaces.Callbacks
	var ok bool
	inst.invokeQueued(func() {
		cb, ok = inst.reg.TakeCallbacks(requestId)
		inst.reg.Unregister(requestId)
	})
	if !ok || cb.OnDone == nil {
		return
	}
	cb.OnDone(requestId, result)
}

// ExecError dispatches an RPC error to the request's stored fail
// callback, the counterpart to ExecResult for the Session-reported
// failure path. For requests submitted through Send, the stored
// callback already wraps the error policy engine, so invoking it here is
// what makes migrate/flood-wait/auth-import/needs-layer recovery reachable
// from a real Session implementation rather than only from tests.
//
// The callbacks are taken out of the registry before dispatch; if the
// wrapped callback determines a retry is in flight, it puts them back
// itself (see Send), so this function must never assume requestId is
// resolved just because a fail callback ran.
func (inst *Instance) ExecError(requestId int32, err interfaces.RPCError) {
	var cb interfaces.Callbacks
	var ok bool
	inst.invokeQueued(func() {
		cb, ok = inst.reg.TakeCallbacks(requestId)
	})
	if !ok || cb.OnFail == nil {
		inst.rpcErrorOccured(requestId, err)
		return
	}
	cb.OnFail(requestId, err)
}

// rpcErrorOccured runs the error policy engine directly for requestId,
// covering errors reported for a request with no stored callbacks (or
// none wrapped by Send) to dispatch to. There is nothing left to restore
// here: with no taken callbacks, a retry the engine schedules will find
// its own payload/dc bookkeeping but no fail/done pair to deliver through.
func (inst *Instance) rpcErrorOccured(requestId int32, err interfaces.RPCError) bool {
	handled := inst.errs.OnErrorDefault(requestId, err)
	if handled {
		return true
	}
	inst.invokeQueued(func() {
		inst.reg.Unregister(requestId)
	})
	return false
}

// SetGlobalFailHandler installs the handler the error policy engine calls
// for an authorization failure it cannot recover, whether or not the
// request has its own onFail. Other declined errors do not reach it.
func (inst *Instance) SetGlobalFailHandler(h interfaces.FailHandler) {
	inst.errs.SetGlobalFailHandler(h)
}

// MainDcId returns the current main DC id.
func (inst *Instance) MainDcId() dcid.DcId {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.mainDcId
}

// SetMainDcId switches the main DC, killing the prior main session and
// starting a fresh one for the new DC.
func (inst *Instance) SetMainDcId(newDc dcid.DcId) {
	inst.mu.Lock()
	old := inst.mainDcId
	inst.mainDcId = newDc
	inst.mu.Unlock()

	if old == newDc {
		return
	}
	inst.invokeQueued(func() {
		inst.pool.SetMainDcId(newDc)
		if old != 0 {
			inst.pool.Kill(dcid.ShiftedDcId(old))
		} else {
			inst.pool.StartMain()
		}
	})
}

// SetAuthorized records whether the main DC currently holds a valid
// authorization, gating the auth-import migration fallback and the
// auth-failure recovery path.
func (inst *Instance) SetAuthorized(ok bool) {
	inst.mu.Lock()
	inst.hasAuthorization = ok
	inst.mu.Unlock()
}

// RequestConfig, RequestConfigIfOld, RequestCDNConfig and
// SyncHTTPUnixtime forward to the config loop when one was wired in.

func (inst *Instance) RequestConfig(ctx context.Context) {
	if inst.loop != nil {
		inst.loop.RequestConfig(ctx)
	}
}

func (inst *Instance) RequestConfigIfOld(ctx context.Context) {
	if inst.loop != nil {
		inst.loop.RequestConfigIfOld(ctx)
	}
}

func (inst *Instance) RequestCDNConfig(ctx context.Context) {
	if inst.loop != nil {
		inst.loop.RequestCDNConfig(ctx, inst.MainDcId() != 0)
	}
}

func (inst *Instance) SyncHTTPUnixtime(ctx context.Context, alreadyValid bool) {
	if inst.loop != nil {
		inst.loop.SyncHTTPUnixtime(ctx, alreadyValid)
	}
}

// AddDestroyKey enrolls a long-term key in keys-destroyer mode. Valid
// only when the instance was constructed with Deps.KeysDestroyerMode.
func (inst *Instance) AddDestroyKey(dc interfaces.Dcenter, key interfaces.PersistentKey, isCdn bool) dcid.ShiftedDcId {
	if inst.destroyer == nil {
		return 0
	}
	var shifted dcid.ShiftedDcId
	inst.invokeQueued(func() {
		shifted = inst.destroyer.AddKey(dc, key, isCdn)
	})
	return shifted
}

// KeyDestroyedOnServer handles an out-of-band server confirmation that the
// auth key identified by keyId no longer exists for shifted's bare DC.
//
// This path is mode-independent: in keys-destroyer mode it also cancels
// that slot's queued possibly-destroyed completion, but even in ordinary
// operation, if the DC's current persistent key still matches keyId, the
// key is cleared and every session bound to that bare DC is restarted —
// mirroring the original's unguarded keyDestroyedOnServer, which unlike
// scheduleKeyDestroy/keyWasPossiblyDestroyed carries no
// Expects(isKeysDestroyer()).
func (inst *Instance) KeyDestroyedOnServer(shifted dcid.ShiftedDcId, keyId uint64) {
	inst.invokeQueued(func() {
		if inst.destroyer != nil {
			inst.destroyer.KeyDestroyedOnServer(shifted)
		}

		bare := dcid.BareDcId(shifted)
		dc, ok := inst.dirs.Find(dcid.ShiftedDcId(bare))
		if !ok {
			return
		}
		key := dc.Key()
		if key == nil || key.KeyId() != keyId {
			return
		}
		if !dc.DestroyConfirmedForgottenKey(keyId) {
			return
		}
		inst.pool.RestartByBareDc(bare)
	})
}

// Restart restarts every session in the pool.
func (inst *Instance) Restart() {
	inst.invokeQueued(func() { inst.pool.RestartAll() })
}

// RestartDC restarts every session bound to the given bare DC id.
func (inst *Instance) RestartDC(bare dcid.DcId) {
	inst.invokeQueued(func() { inst.pool.RestartByBareDc(bare) })
}

// ReInitConnection asks every session bound to the given bare DC id to
// reinitialize its connection (e.g. after a proxy change).
func (inst *Instance) ReInitConnection(bare dcid.DcId) {
	inst.invokeQueued(func() { inst.pool.ReInitByBareDc(bare) })
}

// Unpaused notifies every session in the pool that it may resume
// sending (e.g. after the host application returns to the foreground).
func (inst *Instance) Unpaused() {
	inst.invokeQueued(func() { inst.pool.UnpauseAll() })
}

// KillSession tears down a single shifted DC's session.
func (inst *Instance) KillSession(shifted dcid.ShiftedDcId) {
	inst.invokeQueued(func() { inst.pool.Kill(shifted) })
}

// StopSession stops (without destroying) a single non-main session.
func (inst *Instance) StopSession(shifted dcid.ShiftedDcId) {
	inst.invokeQueued(func() { inst.pool.Stop(shifted) })
}

// NotifyDcTemporaryKeyChanged emits a DcTemporaryKeyChanged event for
// subscribers (config loop, persistence layer) to react to.
func (inst *Instance) NotifyDcTemporaryKeyChanged(dc dcid.DcId) {
	inst.emit(&events.DcTemporaryKeyChanged{DcId: dc})
}

// Subscribe exposes the underlying event bus subscription, if one was
// configured; the returned id is purely diagnostic.
func (inst *Instance) Subscribe(eventType interface{}) (interfaces.Subscription, string, error) {
	if inst.bus == nil {
		return nil, "", nil
	}
	sub, err := inst.bus.Subscribe(eventType)
	if err != nil {
		return nil, "", err
	}
	return sub, uuid.NewString(), nil
}
