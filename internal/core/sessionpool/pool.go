// Package sessionpool 管理 shifted-DC-id 到 Session 的生命周期。
//
// 池独占拥有 Session；移除时移入隔离区，安排在下一个事件循环节拍再真正
// 丢弃，避免在会话自身触发的回调里发生重入销毁。主会话是对 mainDcId
// 当前会话的一个额外引用，mainDcId 切换时旧的主会话被杀死、新的被启动。
package sessionpool

import (
	"sync"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/directory"
	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// Factory 为一个 shifted DC id 创建并关联到其 Dcenter 的新会话。
type Factory func(shifted dcid.ShiftedDcId, dc interfaces.Dcenter) interfaces.Session

// OnSessionStarted 在密钥销毁模式下，每当一个新会话被启动时调用，
// 用于挂接该 shifted DC 的密钥销毁调度（见 keysdestroyer 包）。
type OnSessionStarted func(shifted dcid.ShiftedDcId)

// Pool 是 shifted DC id -> Session 的池。
type Pool struct {
	mu       sync.Mutex
	sessions map[dcid.ShiftedDcId]interfaces.Session
	toKill   []interfaces.Session

	dirs   *directory.Directory
	newSes Factory

	mainDcId     dcid.DcId
	mainSet      bool
	mainSession  interfaces.Session
	mainShifted  dcid.ShiftedDcId
	keysDestroy  bool
	onKeyDestroy OnSessionStarted
}

// New 创建一个空会话池。keysDestroyerMode 为 true 时，GetOrStart 不再
// 认可“主会话”这个概念，且每个新会话都会触发 onKeyDestroy。
func New(dirs *directory.Directory, factory Factory, keysDestroyerMode bool, onKeyDestroy OnSessionStarted) *Pool {
	return &Pool{
		sessions:     make(map[dcid.ShiftedDcId]interfaces.Session),
		dirs:         dirs,
		newSes:       factory,
		keysDestroy:  keysDestroyerMode,
		onKeyDestroy: onKeyDestroy,
	}
}

// SetMainDcId 设置（不启动）当前主 DC id。
func (p *Pool) SetMainDcId(id dcid.DcId) {
	p.mu.Lock()
	p.mainDcId = id
	p.mainSet = true
	p.mu.Unlock()
}

// MainDcId 返回当前主 DC id。
func (p *Pool) MainDcId() dcid.DcId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainDcId
}

// Find 直接按 shifted id 查找，不解析、不创建。
func (p *Pool) Find(shifted dcid.ShiftedDcId) (interfaces.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[shifted]
	return s, ok
}

// GetOrStart 实现 §4.3 的解析策略：
//
//	shifted == 0            -> 主会话（必须已存在）
//	BareDcId(shifted) == 0  -> 改写为 shift + BareDcId(主 DC)
//	其它                     -> 查表，miss 则新建
func (p *Pool) GetOrStart(shifted dcid.ShiftedDcId) interfaces.Session {
	p.mu.Lock()
	if shifted == 0 {
		s := p.mainSession
		p.mu.Unlock()
		return s
	}
	if dcid.BareDcId(shifted) == 0 {
		shift := dcid.GetDcIdShift(shifted)
		shifted = dcid.ShiftDcId(p.mainDcId, shift)
	}
	if s, ok := p.sessions[shifted]; ok {
		p.mu.Unlock()
		return s
	}
	p.mu.Unlock()
	return p.startSession(shifted)
}

func (p *Pool) startSession(shifted dcid.ShiftedDcId) interfaces.Session {
	dc := p.dirs.GetOrCreate(shifted)
	sess := p.newSes(shifted, dc)
	sess.Start()

	p.mu.Lock()
	if existing, ok := p.sessions[shifted]; ok {
		// Another caller raced us and already installed a session for
		// shifted between our miss check and this insert; discard ours
		// instead of leaking it running but unreferenced.
		p.mu.Unlock()
		sess.Kill()
		return existing
	}
	p.sessions[shifted] = sess
	isMain := !p.keysDestroy && dcid.BareDcId(shifted) == p.mainDcId && dcid.GetDcIdShift(shifted) == 0
	if isMain {
		p.mainSession = sess
		p.mainShifted = shifted
	}
	p.mu.Unlock()

	if p.keysDestroy && p.onKeyDestroy != nil {
		p.onKeyDestroy(shifted)
	}
	return sess
}

// StartMain 启动（或返回已存在的）主会话。
func (p *Pool) StartMain() interfaces.Session {
	p.mu.Lock()
	main := p.mainDcId
	p.mu.Unlock()
	return p.startSession(dcid.ShiftedDcId(main))
}

// Kill 原子地移除 shifted 对应的会话，移入隔离区并要求其停止。
// 如果被杀的是主会话，池会立即为当前 mainDcId 启动一个新的主会话。
func (p *Pool) Kill(shifted dcid.ShiftedDcId) {
	p.mu.Lock()
	s, ok := p.sessions[shifted]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, shifted)
	wasMain := s == p.mainSession
	if wasMain {
		p.mainSession = nil
	}
	p.toKill = append(p.toKill, s)
	p.mu.Unlock()

	s.Kill()

	if wasMain {
		p.StartMain()
	}
}

// Stop 停止 shifted 对应的会话；如果它是主会话，则是 no-op。
func (p *Pool) Stop(shifted dcid.ShiftedDcId) {
	p.mu.Lock()
	s, ok := p.sessions[shifted]
	isMain := ok && s == p.mainSession
	p.mu.Unlock()
	if ok && !isMain {
		s.Stop()
	}
}

// RestartAll 重启池中的所有会话。
func (p *Pool) RestartAll() {
	for _, s := range p.snapshot() {
		s.Restart()
	}
}

// RestartByBareDc 重启所有绑定到给定裸 DC id 的会话（任意 shift）。
func (p *Pool) RestartByBareDc(bare dcid.DcId) {
	for shifted, s := range p.snapshot() {
		if dcid.BareDcId(shifted) == bare {
			s.Restart()
		}
	}
}

// ReInitByBareDc 对绑定到给定裸 DC id 的所有会话要求重新初始化连接。
func (p *Pool) ReInitByBareDc(bare dcid.DcId) {
	for shifted, s := range p.snapshot() {
		if dcid.BareDcId(shifted) == bare {
			s.ReInitConnection()
		}
	}
}

// UnpauseAll 通知池中所有会话取消暂停。
func (p *Pool) UnpauseAll() {
	for _, s := range p.snapshot() {
		s.Unpaused()
	}
}

// DrainQuarantine 清空隔离区，真正丢弃之前 Kill 的会话。
func (p *Pool) DrainQuarantine() {
	p.mu.Lock()
	p.toKill = nil
	p.mu.Unlock()
}

func (p *Pool) snapshot() map[dcid.ShiftedDcId]interfaces.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[dcid.ShiftedDcId]interfaces.Session, len(p.sessions))
	for k, v := range p.sessions {
		out[k] = v
	}
	return out
}
