// Package router 把已编号的请求解析到目标 shifted DC 上并交给会话发送。
package router

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/registry"
	"github.com/dep2p/mtpcore/internal/core/sessionpool"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("core/router")

// globalRequestId 是进程内单调递增的请求号生成器，在到达
// math.MaxInt32/2 时回绕到 0，使负数请求号可以安全地用来编码
// “会话伪 id”（见 State）。
var globalRequestId int32

// NextRequestId 原子地分配下一个请求 id。
func NextRequestId() int32 {
	id := atomic.AddInt32(&globalRequestId, 1)
	if id == math.MaxInt32/2 {
		atomic.StoreInt32(&globalRequestId, 0)
	}
	return id
}

// Router 把请求路由到会话池解析出的会话上。
type Router struct {
	reg  *registry.Registry
	pool *sessionpool.Pool
}

// New 创建一个路由器。
func New(reg *registry.Registry, pool *sessionpool.Pool) *Router {
	return &Router{reg: reg, pool: pool}
}

// Send 实现 §4.4 的发送协议：解析会话、打戳、存储、按符号注册、转交会话。
func (r *Router) Send(
	requestId int32,
	payload *interfaces.Request,
	callbacks interfaces.Callbacks,
	shiftedDc dcid.ShiftedDcId,
	msCanWait time.Duration,
	needsLayer bool,
	afterRequestId int32,
) {
	session := r.pool.GetOrStart(shiftedDc)

	payload.RequestId = requestId
	payload.LastSentTime = time.Now()
	payload.NeedsLayer = needsLayer
	if afterRequestId != 0 {
		if after, ok := r.reg.GetPayload(afterRequestId); ok {
			payload.After = after
		}
	}

	r.reg.StorePayload(requestId, payload)
	r.reg.StoreCallbacks(requestId, callbacks)

	toMain := shiftedDc == 0
	real := session.GetDcWithShift()
	signed := real
	if toMain {
		signed = -real
	}
	r.reg.Register(requestId, signed)

	session.SendPrepared(payload, msCanWait)
}

// Cancel 尽力取消一个已提交的请求：移除注册信息并要求所属会话丢弃
// 对应的出站 msgId；迟到的响应会因为回调表已经清空而被派发器忽略。
func (r *Router) Cancel(requestId int32) {
	if requestId == 0 {
		return
	}
	shifted, hasDc := r.reg.Query(requestId)

	var msgId int64
	if payload, ok := r.reg.GetPayload(requestId); ok {
		msgId = readMsgId(payload.Body)
	}
	r.reg.Unregister(requestId)

	if hasDc {
		session := r.pool.GetOrStart(absShifted(shifted))
		session.Cancel(requestId, msgId)
	}
	r.reg.TakeCallbacks(requestId)
}

// State 返回请求的会话状态；正 id 委托给其所属会话，
// 负 id 被解释为“会话伪 id”：-id 对应的会话自身状态。
func (r *Router) State(requestId int32) interfaces.SessionState {
	if requestId > 0 {
		if shifted, ok := r.reg.Query(requestId); ok {
			session := r.pool.GetOrStart(absShifted(shifted))
			return session.RequestState(requestId)
		}
		return interfaces.StateSent
	}
	session := r.pool.GetOrStart(dcid.ShiftedDcId(-requestId))
	return session.GetState()
}

func absShifted(v dcid.ShiftedDcId) dcid.ShiftedDcId {
	if v < 0 {
		return -v
	}
	return v
}

// readMsgId 读取载荷里紧跟在 4 字节头之后的 8 字节出站 msgId（小端）。
func readMsgId(body []byte) int64 {
	if len(body) < 12 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(body[4:12]))
}
