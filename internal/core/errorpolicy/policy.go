// Package errorpolicy 解释服务器错误并决定重路由、延迟重发、
// 鉴权导出/导入、层重新初始化或依赖等待。
package errorpolicy

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/registry"
	"github.com/dep2p/mtpcore/internal/core/sessionpool"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("core/errorpolicy")

var (
	migrateRe  = regexp.MustCompile(`^(FILE|PHONE|NETWORK|USER)_MIGRATE_(\d+)$`)
	floodWaitRe = regexp.MustCompile(`^FLOOD_WAIT_(\d+)$`)
)

const maxBackoff = 60

// AuthCodec 把鉴权导出/导入这两次 RPC 调用的请求体编码、响应体解码，
// 隔离在编排器之外——字节编解码不是本包的关心范围。
type AuthCodec interface {
	EncodeExportAuthorization(dc dcid.DcId) []byte
	DecodeExportedAuthorization(body []byte) (exportedId int64, data []byte, ok bool)
	EncodeImportAuthorization(exportedId int64, data []byte) []byte
}

// Sender 是引擎重发/发起导出导入请求所需的最小发送契约。
type Sender interface {
	Send(requestId int32, payload *interfaces.Request, callbacks interfaces.Callbacks, shiftedDc dcid.ShiftedDcId, msCanWait time.Duration, needsLayer bool, afterRequestId int32)
}

type delayedEntry struct {
	requestId int32
	sendAt    time.Time
}

// Engine 是错误策略引擎。
type Engine struct {
	reg    *registry.Registry
	pool   *sessionpool.Pool
	sender Sender
	codec  AuthCodec
	clock  clock.Clock

	nextRequestId func() int32

	mu              sync.Mutex
	delayed         []delayedEntry
	requestsDelays  map[int32]int32
	badGuestDc      map[int32]struct{}
	authWaiters     map[dcid.DcId][]int32
	authExportReqs  map[int32]dcid.DcId
	timer           *clock.Timer

	hasAuthorization func() bool
	mainDcId         func() dcid.DcId
	switchMainDc     func(newDc dcid.DcId)
	globalFail       interfaces.FailHandler
	resetLanguage    func()
	metrics          interfaces.Metrics

	// ExperimentalMigrateViaExportImport preserves the disabled branch from
	// the original source (migrate a follow-main request via export/import
	// instead of switching mainDcId outright). Defaults to false.
	ExperimentalMigrateViaExportImport bool
}

// Config groups the collaborators the engine needs.
type Config struct {
	Registry         *registry.Registry
	Pool             *sessionpool.Pool
	Sender           Sender
	Codec            AuthCodec
	Clock            clock.Clock
	NextRequestId    func() int32
	HasAuthorization func() bool
	MainDcId         func() dcid.DcId
	SwitchMainDc     func(newDc dcid.DcId)
	ResetLanguage    func()
	Metrics          interfaces.Metrics
}

// New creates an error policy engine.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		reg:              cfg.Registry,
		pool:             cfg.Pool,
		sender:           cfg.Sender,
		codec:            cfg.Codec,
		clock:            cfg.Clock,
		nextRequestId:    cfg.NextRequestId,
		requestsDelays:   make(map[int32]int32),
		badGuestDc:       make(map[int32]struct{}),
		authWaiters:      make(map[dcid.DcId][]int32),
		authExportReqs:   make(map[int32]dcid.DcId),
		hasAuthorization: cfg.HasAuthorization,
		mainDcId:         cfg.MainDcId,
		switchMainDc:     cfg.SwitchMainDc,
		resetLanguage:    cfg.ResetLanguage,
		metrics:          cfg.Metrics,
	}
}

// SetGlobalFailHandler installs the handler handleAuthFailure calls for an
// authorization failure it cannot recover. It is called whether or not the
// request has its own onFail; no other error path calls it.
func (e *Engine) SetGlobalFailHandler(h interfaces.FailHandler) {
	e.mu.Lock()
	e.globalFail = h
	e.mu.Unlock()
}

// OnErrorDefault 实现 §4.5 描述的决策顺序。返回 true 表示引擎已经接管了
// 该请求（调用方不应清理其注册信息）；false 表示调用方应当清理回调并注销。
func (e *Engine) OnErrorDefault(requestId int32, err interfaces.RPCError) bool {
	if e.metrics != nil {
		e.metrics.IncErrors(err.Type)
	}

	badGuestDc := err.Code == 400 && err.Type == "FILE_ID_INVALID"

	if m := migrateRe.FindStringSubmatch(err.Type); m != nil {
		if requestId == 0 {
			return false
		}
		return e.handleMigrate(requestId, m)
	}

	if err.Code < 0 || err.Code >= 500 {
		if requestId == 0 {
			return false
		}
		return e.handleTransient(requestId, e.nextBackoff(requestId))
	}
	if m := floodWaitRe.FindStringSubmatch(err.Type); m != nil {
		if requestId == 0 {
			return false
		}
		secs, _ := strconv.Atoi(m[1])
		return e.handleTransient(requestId, int32(secs))
	}

	e.mu.Lock()
	_, alreadyBad := e.badGuestDc[requestId]
	e.mu.Unlock()

	if (err.Code == 401 && err.Type != "AUTH_KEY_PERM_EMPTY") || (badGuestDc && !alreadyBad) {
		return e.handleAuthFailure(requestId, err, badGuestDc)
	}

	if err.Type == "CONNECTION_NOT_INITED" || err.Type == "CONNECTION_LAYER_INVALID" {
		return e.handleNeedsLayer(requestId)
	}

	if err.Type == "CONNECTION_LANG_CODE_INVALID" {
		if e.resetLanguage != nil {
			e.resetLanguage()
		}
		e.clearBadGuestDc(requestId)
		return false
	}

	if err.Type == "MSG_WAIT_FAILED" {
		return e.handleMsgWaitFailed(requestId)
	}

	// Diagnostic-only hook preserved from the original "breakpoint" marker:
	// nothing here is flood, migrate, or AUTH_KEY_UNREGISTERED.
	if err.Type != "AUTH_KEY_UNREGISTERED" {
		logger.Debug("unhandled error reached default branch", "requestId", requestId, "type", err.Type, "code", err.Code)
	}

	e.clearBadGuestDc(requestId)
	return false
}

func (e *Engine) clearBadGuestDc(requestId int32) {
	e.mu.Lock()
	delete(e.badGuestDc, requestId)
	e.mu.Unlock()
}

func (e *Engine) nextBackoff(requestId int32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	secs, ok := e.requestsDelays[requestId]
	if !ok {
		e.requestsDelays[requestId] = 1
		return 1
	}
	if secs > maxBackoff {
		return secs
	}
	secs *= 2
	e.requestsDelays[requestId] = secs
	return secs
}

func (e *Engine) handleMigrate(requestId int32, m []string) bool {
	newBare := dcid.DcId(mustAtoi(m[2]))
	dcWithShift, ok := e.reg.Query(requestId)
	if !ok {
		logger.Error("could not find request for migrating", "requestId", requestId, "newDc", newBare)
	}
	if dcWithShift == 0 || newBare == 0 {
		return false
	}

	followMain := dcWithShift < 0
	var target dcid.ShiftedDcId
	if followMain {
		if e.ExperimentalMigrateViaExportImport && e.codec != nil && e.hasAuthorization != nil && e.hasAuthorization() {
			// Untested alternate path preserved from the original source:
			// export/import instead of switching mainDcId. Kept behind the
			// flag; default behavior below is the one actually exercised.
			e.parkForAuthImport(requestId, newBare, false)
			return true
		}
		if e.switchMainDc != nil {
			e.switchMainDc(newBare)
		}
		target = dcid.ShiftedDcId(newBare)
	} else {
		target = dcid.ShiftDcId(newBare, dcid.GetDcIdShift(dcWithShift))
	}

	payload, ok := e.reg.GetPayload(requestId)
	if !ok {
		logger.Error("could not find payload for migrating request", "requestId", requestId)
		return false
	}

	signed := target
	if followMain {
		signed = -target
	}
	session := e.pool.GetOrStart(target)
	e.reg.Register(requestId, signed)
	session.SendPrepared(payload, 0)
	return true
}

func mustAtoi(s string) int32 {
	n, _ := strconv.Atoi(s)
	return int32(n)
}

func (e *Engine) handleTransient(requestId, secs int32) bool {
	if secs > maxBackoff {
		secs = maxBackoff
	}
	sendAt := e.clock.Now().Add(time.Duration(secs)*time.Second + 10*time.Millisecond)

	e.mu.Lock()
	for _, d := range e.delayed {
		if d.requestId == requestId {
			e.mu.Unlock()
			return true
		}
	}
	e.insertSorted(delayedEntry{requestId: requestId, sendAt: sendAt})
	e.mu.Unlock()

	e.CheckDelayedRequests()
	return true
}

// insertSorted 把条目按 sendAt 升序插入，调用方必须持有 e.mu。
func (e *Engine) insertSorted(entry delayedEntry) {
	i := 0
	for ; i < len(e.delayed); i++ {
		if e.delayed[i].sendAt.After(entry.sendAt) {
			break
		}
	}
	e.delayed = append(e.delayed, delayedEntry{})
	copy(e.delayed[i+1:], e.delayed[i:])
	e.delayed[i] = entry
}

func (e *Engine) handleAuthFailure(requestId int32, err interfaces.RPCError, badGuestDc bool) bool {
	shifted, hasDc := e.reg.Query(requestId)
	if !hasDc {
		logger.Error("unauthorized request without dc info", "requestId", requestId)
	}
	abs := shifted
	if abs < 0 {
		abs = -abs
	}
	newDc := dcid.BareDcId(abs)

	if newDc == 0 || newDc == e.mainDcId() || e.codec == nil || e.hasAuthorization == nil || !e.hasAuthorization() {
		if !badGuestDc {
			e.mu.Lock()
			h := e.globalFail
			e.mu.Unlock()
			if h != nil {
				h(requestId, err)
			}
		}
		return false
	}

	e.parkForAuthImport(requestId, newDc, badGuestDc)
	return true
}

// parkForAuthImport enqueues requestId into authWaiters[newDc], issuing the
// export call on the main DC if it is the first waiter for that DC.
func (e *Engine) parkForAuthImport(requestId int32, newDc dcid.DcId, badGuestDc bool) {
	e.mu.Lock()
	waiters := e.authWaiters[newDc]
	isFirst := len(waiters) == 0
	e.authWaiters[newDc] = append(waiters, requestId)
	if badGuestDc {
		e.badGuestDc[requestId] = struct{}{}
	}
	e.mu.Unlock()

	if isFirst {
		e.issueExport(newDc)
	}
}

func (e *Engine) issueExport(newDc dcid.DcId) {
	exportId := e.nextRequestId()
	body := e.codec.EncodeExportAuthorization(newDc)
	payload := &interfaces.Request{Body: body}

	e.mu.Lock()
	e.authExportReqs[exportId] = newDc
	e.mu.Unlock()

	cb := interfaces.Callbacks{
		OnDone: func(id int32, result []byte) bool {
			e.exportDone(id, result)
			return true
		},
		OnFail: func(id int32, err interfaces.RPCError) bool {
			return e.exportFail(id, err)
		},
	}
	e.sender.Send(exportId, payload, cb, dcid.ShiftedDcId(e.mainDcId()), 0, false, 0)
}

func (e *Engine) exportDone(requestId int32, result []byte) {
	e.mu.Lock()
	newDc, ok := e.authExportReqs[requestId]
	delete(e.authExportReqs, requestId)
	e.mu.Unlock()
	if !ok {
		logger.Error("auth export request target dc not found", "requestId", requestId)
		return
	}

	exportedId, data, ok := e.codec.DecodeExportedAuthorization(result)
	if !ok {
		logger.Error("failed to decode exported authorization", "requestId", requestId)
		return
	}

	importId := e.nextRequestId()
	body := e.codec.EncodeImportAuthorization(exportedId, data)
	payload := &interfaces.Request{Body: body}

	cb := interfaces.Callbacks{
		OnDone: func(id int32, result []byte) bool {
			e.importDone(id, newDc)
			return true
		},
		OnFail: func(id int32, err interfaces.RPCError) bool {
			return e.importFail(id, err)
		},
	}
	e.sender.Send(importId, payload, cb, dcid.ShiftedDcId(newDc), 0, false, 0)
}

func (e *Engine) exportFail(requestId int32, err interfaces.RPCError) bool {
	e.mu.Lock()
	newDc, ok := e.authExportReqs[requestId]
	if ok {
		delete(e.authExportReqs, requestId)
		delete(e.authWaiters, newDc)
	}
	e.mu.Unlock()
	return true
}

func (e *Engine) importDone(requestId int32, newDc dcid.DcId) {
	e.mu.Lock()
	waiters := e.authWaiters[newDc]
	delete(e.authWaiters, newDc)
	e.mu.Unlock()

	for _, waitedId := range waiters {
		payload, ok := e.reg.GetPayload(waitedId)
		if !ok {
			logger.Error("could not find request for resending after import", "requestId", waitedId)
			continue
		}
		shifted, ok := e.reg.ChangeDc(waitedId, newDc)
		if !ok {
			logger.Error("could not find request by dc for resending", "requestId", waitedId)
			continue
		}
		if shifted < 0 && e.switchMainDc != nil {
			e.switchMainDc(newDc)
		}
		abs := shifted
		if abs < 0 {
			abs = -abs
		}
		session := e.pool.GetOrStart(abs)
		session.SendPrepared(payload, 0)
	}
}

func (e *Engine) importFail(requestId int32, err interfaces.RPCError) bool {
	return true
}

func (e *Engine) handleNeedsLayer(requestId int32) bool {
	payload, ok := e.reg.GetPayload(requestId)
	if !ok {
		logger.Error("could not find request", "requestId", requestId)
		return false
	}
	shifted, ok := e.reg.Query(requestId)
	if !ok || shifted == 0 {
		logger.Error("could not find request for resending with init connection", "requestId", requestId)
		return false
	}
	abs := shifted
	if abs < 0 {
		abs = -abs
	}
	payload.NeedsLayer = true
	session := e.pool.GetOrStart(abs)
	session.SendPrepared(payload, 0)
	return true
}

func (e *Engine) handleMsgWaitFailed(requestId int32) bool {
	payload, ok := e.reg.GetPayload(requestId)
	if !ok {
		logger.Error("could not find request", "requestId", requestId)
		return false
	}
	if payload.After == nil {
		logger.Error("wait failed for not dependent request", "requestId", requestId)
		return false
	}

	shifted, ok := e.reg.Query(requestId)
	if !ok {
		logger.Error("could not find request by dc", "requestId", requestId)
		return false
	}
	if afterShifted, ok := e.reg.Query(payload.After.RequestId); ok {
		if afterShifted != shifted {
			payload.After = nil
		}
	} else {
		logger.Error("could not find dependent request by dc", "requestId", payload.After.RequestId)
	}
	if shifted == 0 {
		return false
	}

	if payload.After == nil {
		abs := shifted
		if abs < 0 {
			abs = -abs
		}
		payload.NeedsLayer = true
		session := e.pool.GetOrStart(abs)
		session.SendPrepared(payload, 0)
		return true
	}

	abs := shifted
	if abs < 0 {
		abs = -abs
	}
	newDc := dcid.BareDcId(abs)
	afterId := payload.After.RequestId

	e.mu.Lock()
	waiters := e.authWaiters[newDc]
	parked := contains(waiters, afterId)
	if parked {
		if !contains(waiters, requestId) {
			e.authWaiters[newDc] = append(waiters, requestId)
		}
		if _, bad := e.badGuestDc[afterId]; bad {
			e.badGuestDc[requestId] = struct{}{}
		}
		e.mu.Unlock()
		return true
	}

	idx := -1
	for i, d := range e.delayed {
		if d.requestId == requestId {
			e.mu.Unlock()
			return true
		}
		if d.requestId == afterId {
			idx = i
			break
		}
	}
	if idx >= 0 {
		sendAt := e.delayed[idx].sendAt
		e.delayed = append(e.delayed, delayedEntry{})
		copy(e.delayed[idx+1:], e.delayed[idx:])
		e.delayed[idx] = delayedEntry{requestId: requestId, sendAt: sendAt}
	}
	e.mu.Unlock()

	e.CheckDelayedRequests()
	return true
}

func contains(list []int32, v int32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// CheckDelayedRequests 重发所有到期的延迟请求，并把共享定时器重设到剩余
// 队首条目的 sendAt。应当由定时器回调以及每次插入新条目后调用。
func (e *Engine) CheckDelayedRequests() {
	now := e.clock.Now()
	var due []int32

	e.mu.Lock()
	for len(e.delayed) > 0 && !now.Before(e.delayed[0].sendAt) {
		due = append(due, e.delayed[0].requestId)
		e.delayed = e.delayed[1:]
	}
	var nextAt time.Time
	hasNext := len(e.delayed) > 0
	if hasNext {
		nextAt = e.delayed[0].sendAt
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	for _, requestId := range due {
		shifted, ok := e.reg.Query(requestId)
		if !ok {
			logger.Error("could not find request dc for delayed resend", "requestId", requestId)
			continue
		}
		payload, ok := e.reg.GetPayload(requestId)
		if !ok {
			logger.Debug("could not find request", "requestId", requestId)
			continue
		}
		abs := shifted
		if abs < 0 {
			abs = -abs
		}
		session := e.pool.GetOrStart(abs)
		session.SendPrepared(payload, 0)
	}

	if hasNext {
		wait := nextAt.Sub(e.clock.Now())
		if wait < 0 {
			wait = 0
		}
		e.mu.Lock()
		e.timer = e.clock.AfterFunc(wait, e.CheckDelayedRequests)
		e.mu.Unlock()
	}
}
