// Package registry 实现按 requestId 索引的线程安全请求台账。
//
// 三张表分别用不同的锁保护：request-by-dc 和回调表用互斥锁，因为写入
// 相对频繁且持锁时间很短；载荷表用读写锁，因为派发阶段会有大量并发读者。
package registry

import (
	"sync"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// Registry 是请求注册表。零值不可用，使用 New 创建。
type Registry struct {
	dcMu sync.Mutex
	byDc map[int32]dcid.ShiftedDcId

	payloadMu sync.RWMutex
	payloads  map[int32]*interfaces.Request

	cbMu      sync.Mutex
	callbacks map[int32]interfaces.Callbacks
}

// New 创建一个空注册表。
func New() *Registry {
	return &Registry{
		byDc:      make(map[int32]dcid.ShiftedDcId),
		payloads:  make(map[int32]*interfaces.Request),
		callbacks: make(map[int32]interfaces.Callbacks),
	}
}

// Register 记录 requestId 对应的（有符号）shifted DC 绑定。
// 负值表示“跟随主 DC”，正值表示绑定到某个具体的 shifted DC。
func (r *Registry) Register(requestId int32, signedShiftedDc dcid.ShiftedDcId) {
	r.dcMu.Lock()
	r.byDc[requestId] = signedShiftedDc
	r.dcMu.Unlock()
}

// Unregister 删除 requestId 的 DC 绑定和载荷条目，回调可能早已被取走。
func (r *Registry) Unregister(requestId int32) {
	r.dcMu.Lock()
	delete(r.byDc, requestId)
	r.dcMu.Unlock()

	r.payloadMu.Lock()
	delete(r.payloads, requestId)
	r.payloadMu.Unlock()
}

// Query 返回 requestId 当前的有符号 shifted DC 绑定。
func (r *Registry) Query(requestId int32) (dcid.ShiftedDcId, bool) {
	r.dcMu.Lock()
	defer r.dcMu.Unlock()
	v, ok := r.byDc[requestId]
	return v, ok
}

// ChangeDc 在迁移时把绑定重新指向一个新的裸 DC，保留符号：
// 若原绑定是负数（跟随主 DC），新绑定是 -newBareDc；
// 若原绑定是正数，shift 被保留，新绑定是 ShiftDcId(newBareDc, priorShift)。
func (r *Registry) ChangeDc(requestId int32, newBareDc dcid.DcId) (dcid.ShiftedDcId, bool) {
	r.dcMu.Lock()
	defer r.dcMu.Unlock()

	cur, ok := r.byDc[requestId]
	if !ok {
		return 0, false
	}
	var next dcid.ShiftedDcId
	if cur < 0 {
		next = -dcid.ShiftedDcId(newBareDc)
	} else {
		priorShift := dcid.GetDcIdShift(cur)
		next = dcid.ShiftDcId(newBareDc, priorShift)
	}
	r.byDc[requestId] = next
	return next, true
}

// StorePayload 保存请求体，供之后重发 / 依赖解析使用。
func (r *Registry) StorePayload(requestId int32, payload *interfaces.Request) {
	r.payloadMu.Lock()
	r.payloads[requestId] = payload
	r.payloadMu.Unlock()
}

// GetPayload 返回已保存的请求体的指针；调用方必须在读取字段前自行判空，
// 且不应跨越可能触发并发 Unregister 的调用持有该指针。
func (r *Registry) GetPayload(requestId int32) (*interfaces.Request, bool) {
	r.payloadMu.RLock()
	defer r.payloadMu.RUnlock()
	p, ok := r.payloads[requestId]
	return p, ok
}

// StoreCallbacks 保存请求的 done/fail 回调对；空回调对不会被存储。
func (r *Registry) StoreCallbacks(requestId int32, cb interfaces.Callbacks) {
	if cb.Empty() {
		return
	}
	r.cbMu.Lock()
	r.callbacks[requestId] = cb
	r.cbMu.Unlock()
}

// TakeCallbacks 取走并删除 requestId 对应的回调对。
func (r *Registry) TakeCallbacks(requestId int32) (interfaces.Callbacks, bool) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	cb, ok := r.callbacks[requestId]
	if ok {
		delete(r.callbacks, requestId)
	}
	return cb, ok
}

// HasCallbacks 报告 requestId 是否仍有待决的回调对，不取走它。
func (r *Registry) HasCallbacks(requestId int32) bool {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	_, ok := r.callbacks[requestId]
	return ok
}

// PutCallbacksBack 把之前取走的回调放回；错误策略引擎接管重试时使用，
// 使该请求的最终结果仍能送达这些回调。
func (r *Registry) PutCallbacksBack(requestId int32, cb interfaces.Callbacks) {
	r.cbMu.Lock()
	r.callbacks[requestId] = cb
	r.cbMu.Unlock()
}
