package mtpcore

import (
	"context"
	"time"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/directory"
	"github.com/dep2p/mtpcore/internal/core/errorpolicy"
	"github.com/dep2p/mtpcore/internal/core/instance"
	"github.com/dep2p/mtpcore/internal/core/sessionpool"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

// Version 当前版本。
const Version = "v0.1.0"

var logger = log.Logger("mtpcore")

// Engine 是编排器对外的主入口，包装 internal/core/instance.Instance。
type Engine struct {
	inst *instance.Instance
}

// New 组装一个编排器实例。sessionFactory 和 dcenterFactory 是必需的；
// codec 在常规模式下用于鉴权导出/导入迁移路径，可以传 nil 来完全禁用
// export/import 回退（迁移时只会切换主 DC）。
func New(sessionFactory sessionpool.Factory, dcenterFactory directory.Factory, codec errorpolicy.AuthCodec, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if sessionFactory == nil {
		return nil, ErrNoSessionFactory
	}
	if dcenterFactory == nil {
		return nil, ErrNoDcenterFactory
	}

	inst := instance.New(instance.Deps{
		SessionFactory:                     sessionFactory,
		DcenterFactory:                     dcenterFactory,
		AuthCodec:                          codec,
		ConfigLoader:                       o.configLoader,
		DcOptions:                          o.dcOptions,
		Persistence:                        o.persistence,
		Application:                        o.application,
		Language:                           o.language,
		TimeSync:                           o.timeSync,
		CDNFetcher:                         o.cdnFetcher,
		KeysDestroyerRPC:                   o.keysDestroyerRPC,
		Metrics:                            o.metrics,
		EventBus:                           o.eventBus,
		MainDcId:                           o.mainDcId,
		KeysDestroyerMode:                  o.keysDestroyerMode,
		ExperimentalMigrateViaExportImport: o.experimentalMigrateImport,
	})

	logger.Info("engine started", "mainDcId", o.mainDcId, "keysDestroyerMode", o.keysDestroyerMode)
	return &Engine{inst: inst}, nil
}

// Close stops the engine's work loop. No further calls should be made
// to the engine afterwards.
func (e *Engine) Close() error {
	e.inst.Stop()
	return nil
}

// Send submits a new RPC request. shiftedDc == 0 means "follow the
// current main DC"; otherwise the request is pinned to that shifted DC.
func (e *Engine) Send(payload *interfaces.Request, callbacks interfaces.Callbacks, shiftedDc dcid.ShiftedDcId, msCanWait time.Duration, needsLayer bool, afterRequestId int32) int32 {
	return e.inst.Send(payload, callbacks, shiftedDc, msCanWait, needsLayer, afterRequestId)
}

// Cancel cancels a previously submitted request.
func (e *Engine) Cancel(requestId int32) {
	e.inst.Cancel(requestId)
}

// State returns the session state backing requestId.
func (e *Engine) State(requestId int32) interfaces.SessionState {
	return e.inst.State(requestId)
}

// ExecResult dispatches a successful server response for requestId.
func (e *Engine) ExecResult(requestId int32, result []byte) {
	e.inst.ExecResult(requestId, result)
}

// ExecError dispatches an RPC error reported by a Session for requestId,
// driving the error policy engine (migrate, flood-wait backoff,
// auth-import, needs-layer) before falling back to the request's own
// fail callback or the global fail handler.
func (e *Engine) ExecError(requestId int32, err interfaces.RPCError) {
	e.inst.ExecError(requestId, err)
}

// SetGlobalFailHandler installs the handler the error policy engine calls
// for an authorization failure it cannot recover: a 401 for a request with
// no DC binding, bound to the main DC, or issued without an authorization
// (a first FILE_ID_INVALID from a guest DC is excluded). It is called
// whether or not the request has its own fail callback. Other errors the
// engine declines go only to the request's own fail callback.
func (e *Engine) SetGlobalFailHandler(h interfaces.FailHandler) {
	e.inst.SetGlobalFailHandler(h)
}

// MainDcId returns the current main DC id.
func (e *Engine) MainDcId() dcid.DcId {
	return e.inst.MainDcId()
}

// SetMainDcId switches the main DC explicitly, e.g. in response to a
// user-initiated "suggest main DC" flow.
func (e *Engine) SetMainDcId(newDc dcid.DcId) {
	e.inst.SetMainDcId(newDc)
}

// SetAuthorized records whether the main DC currently holds a valid
// authorization.
func (e *Engine) SetAuthorized(ok bool) {
	e.inst.SetAuthorized(ok)
}

// RequestConfig forces a server configuration reload.
func (e *Engine) RequestConfig(ctx context.Context) {
	e.inst.RequestConfig(ctx)
}

// RequestConfigIfOld reloads the server configuration only if the last
// successful load is older than the freshness threshold.
func (e *Engine) RequestConfigIfOld(ctx context.Context) {
	e.inst.RequestConfigIfOld(ctx)
}

// RequestCDNConfig fetches the CDN public key table once.
func (e *Engine) RequestCDNConfig(ctx context.Context) {
	e.inst.RequestCDNConfig(ctx)
}

// SyncHTTPUnixtime fetches a trusted server time once.
func (e *Engine) SyncHTTPUnixtime(ctx context.Context, alreadyValid bool) {
	e.inst.SyncHTTPUnixtime(ctx, alreadyValid)
}

// AddDestroyKey enrolls a long-term key for destruction. Valid only in
// keys-destroyer mode.
func (e *Engine) AddDestroyKey(dc interfaces.Dcenter, key interfaces.PersistentKey, isCdn bool) dcid.ShiftedDcId {
	return e.inst.AddDestroyKey(dc, key, isCdn)
}

// KeyDestroyedOnServer forwards an out-of-band destruction confirmation
// that the auth key identified by keyId no longer exists for shifted's
// bare DC. Available regardless of keys-destroyer mode.
func (e *Engine) KeyDestroyedOnServer(shifted dcid.ShiftedDcId, keyId uint64) {
	e.inst.KeyDestroyedOnServer(shifted, keyId)
}

// Restart restarts every session.
func (e *Engine) Restart() {
	e.inst.Restart()
}

// RestartDC restarts every session bound to a bare DC id.
func (e *Engine) RestartDC(bare dcid.DcId) {
	e.inst.RestartDC(bare)
}

// ReInitConnection asks every session bound to a bare DC id to
// reinitialize its connection.
func (e *Engine) ReInitConnection(bare dcid.DcId) {
	e.inst.ReInitConnection(bare)
}

// Unpaused notifies every session that it may resume sending.
func (e *Engine) Unpaused() {
	e.inst.Unpaused()
}

// KillSession tears down a single shifted DC's session.
func (e *Engine) KillSession(shifted dcid.ShiftedDcId) {
	e.inst.KillSession(shifted)
}

// StopSession stops a single non-main session.
func (e *Engine) StopSession(shifted dcid.ShiftedDcId) {
	e.inst.StopSession(shifted)
}

// NotifyDcTemporaryKeyChanged emits a DcTemporaryKeyChanged event.
func (e *Engine) NotifyDcTemporaryKeyChanged(dc dcid.DcId) {
	e.inst.NotifyDcTemporaryKeyChanged(dc)
}

// Subscribe subscribes to an event type on the configured event bus, if
// any (see WithEventBus).
func (e *Engine) Subscribe(eventType interface{}) (interfaces.Subscription, error) {
	sub, _, err := e.inst.Subscribe(eventType)
	return sub, err
}
