// Package keysdestroyer 实现"仅销毁鉴权密钥"模式下的每把钥匙状态机。
//
// 密钥销毁模式没有主会话：每一把待销毁的长期密钥都在自己的 shift 槽位上
// 拥有一个独立会话，依次完成 LogOut（CDN 密钥跳过）、DestroyAuthKey。
// DestroyAuthKey 的任何终态结果（成功、本无该密钥、失败）都一视同仁地
// 把槽位标记为"可能已销毁"，并通过一次排队任务完成收尾，不等待也不区分
// 结果种类；服务器若在排队任务运行前主动确认销毁，则立即收尾。
package keysdestroyer

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/directory"
	"github.com/dep2p/mtpcore/internal/core/sessionpool"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("core/keysdestroyer")

// keyState 是单个密钥槽位的生命周期阶段。
type keyState int32

const (
	stateWaiting keyState = iota
	stateLoggingOut
	stateDestroyingKey
	statePossiblyDestroyed
	stateCompleted
)

// RPC 把 Destroyer 需要发起的两个 RPC 调用抽象出来，具体的 TL 编码和
// 响应解析留给调用方提供。
type RPC interface {
	// LogOut 对给定会话发起一次登出请求，done 在响应（或失败）到达时调用。
	LogOut(session interfaces.Session, done func(ok bool))
	// DestroyAuthKey 对给定会话发起一次销毁密钥请求；resultKind 取值：
	// "destroyed"（服务器确认销毁）、"none"（服务器称本无该密钥）、
	// "fail"（失败，按可能已销毁处理）。
	DestroyAuthKey(session interfaces.Session, done func(resultKind string))
}

// Destroyer 驱动密钥销毁模式下每把钥匙的状态机。
type Destroyer struct {
	mu sync.Mutex

	dirs  *directory.Directory
	pool  *sessionpool.Pool
	rpc   RPC
	clock clock.Clock

	slots    map[dcid.ShiftedDcId]*slot
	nextSlot dcid.ShiftedDcId

	onAllDestroyed func()
	fired          bool
}

type slot struct {
	state keyState
	dc    interfaces.Dcenter
	// pending holds the queued "possibly destroyed" completion once one
	// has been scheduled, so KeyDestroyedOnServer can cancel it if the
	// server confirms destruction first.
	pending *clock.Timer
}

// New 创建一个密钥销毁驱动器；onAllDestroyed 在所有密钥槽位都完成之后
// 恰好被调用一次（依据的是槽位计数，而不是目录是否为空）。
func New(dirs *directory.Directory, pool *sessionpool.Pool, rpc RPC, clk clock.Clock, onAllDestroyed func()) *Destroyer {
	if clk == nil {
		clk = clock.New()
	}
	return &Destroyer{
		dirs:           dirs,
		pool:           pool,
		rpc:            rpc,
		clock:          clk,
		slots:          make(map[dcid.ShiftedDcId]*slot),
		onAllDestroyed: onAllDestroyed,
	}
}

// AddKey 为一把长期密钥分配下一个可用的 shift 槽位，把它加入目录并启动
// 对应的会话，随即开始其状态机。isCdn 为 true 时跳过 LogOut 直接销毁密钥，
// 因为 CDN 密钥从未持有过用户会话。
func (d *Destroyer) AddKey(dc interfaces.Dcenter, key interfaces.PersistentKey, isCdn bool) dcid.ShiftedDcId {
	d.mu.Lock()
	shifted := dcid.DestroyKeyNextDcId(d.nextSlot)
	d.nextSlot = shifted
	d.slots[shifted] = &slot{state: stateWaiting, dc: dc}
	d.mu.Unlock()

	d.dirs.AddWithOptionalKey(shifted, key)
	session := d.pool.GetOrStart(shifted)
	d.start(shifted, session, isCdn)
	return shifted
}

func (d *Destroyer) start(shifted dcid.ShiftedDcId, session interfaces.Session, isCdn bool) {
	d.mu.Lock()
	s, ok := d.slots[shifted]
	d.mu.Unlock()
	if !ok {
		return
	}

	if isCdn {
		d.destroyKey(shifted, session, s)
		return
	}
	d.logOut(shifted, session, s)
}

func (d *Destroyer) logOut(shifted dcid.ShiftedDcId, session interfaces.Session, s *slot) {
	d.mu.Lock()
	s.state = stateLoggingOut
	d.mu.Unlock()

	d.rpc.LogOut(session, func(ok bool) {
		d.destroyKey(shifted, session, s)
	})
}

func (d *Destroyer) destroyKey(shifted dcid.ShiftedDcId, session interfaces.Session, s *slot) {
	d.mu.Lock()
	s.state = stateDestroyingKey
	d.mu.Unlock()

	d.rpc.DestroyAuthKey(session, func(resultKind string) {
		switch resultKind {
		case "destroyed":
			logger.Info("key destroyed", "dc", dcid.BareDcId(shifted))
		case "none":
			logger.Info("key already destroyed", "dc", dcid.BareDcId(shifted))
		default:
			logger.Error("key destruction resulted in error", "dc", dcid.BareDcId(shifted), "result", resultKind)
		}
		d.markPossiblyDestroyed(shifted, s)
	})
}

// markPossiblyDestroyed marks the slot possibly destroyed and defers the
// actual teardown to a queued task, regardless of which terminal outcome
// DestroyAuthKey reported — mirroring the original's unconditional
// keyWasPossiblyDestroyed, which treats ok/none/fail/RPC-error alike.
func (d *Destroyer) markPossiblyDestroyed(shifted dcid.ShiftedDcId, s *slot) {
	d.mu.Lock()
	s.state = statePossiblyDestroyed
	s.pending = d.clock.AfterFunc(0, func() {
		d.completeKey(shifted)
	})
	d.mu.Unlock()
}

// KeyDestroyedOnServer handles an out-of-band server confirmation
// (msgs_ack / new_session_created referencing the destroy call) that
// arrives before the queued possibly-destroyed completion runs.
func (d *Destroyer) KeyDestroyedOnServer(shifted dcid.ShiftedDcId) {
	d.mu.Lock()
	s, ok := d.slots[shifted]
	if !ok || s.state == stateCompleted {
		d.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	d.mu.Unlock()
	d.completeKey(shifted)
}

func (d *Destroyer) completeKey(shifted dcid.ShiftedDcId) {
	d.mu.Lock()
	s, ok := d.slots[shifted]
	if !ok || s.state == stateCompleted {
		d.mu.Unlock()
		return
	}
	s.state = stateCompleted
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	dc := s.dc
	delete(d.slots, shifted)
	d.mu.Unlock()

	logger.Info("auth key destroyed", "dc", dcid.BareDcId(shifted))

	d.pool.Kill(shifted)
	d.dirs.Remove(shifted)
	if dc != nil {
		dc.DestroyConfirmedForgottenKey(dc.Key().KeyId())
	}

	d.checkAllDestroyed()
}

func (d *Destroyer) checkAllDestroyed() {
	d.mu.Lock()
	remaining := len(d.slots)
	already := d.fired
	if remaining == 0 && !already {
		d.fired = true
	}
	d.mu.Unlock()

	if remaining == 0 && !already && d.onAllDestroyed != nil {
		d.onAllDestroyed()
	}
}

// Remaining reports how many key slots have not yet completed their
// destruction sequence.
func (d *Destroyer) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}
