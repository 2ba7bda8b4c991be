// Package directory 维护 shifted-DC-id 到 Dcenter 的内存目录。
//
// 目录独占拥有 Dcenter；移除时并不立即销毁，而是移入 dcentersToDestroy
// 隔离区，直到排队中的回调都已结算——避免在 Dcenter 自身触发的回调执行期间
// 发生重入式销毁。
package directory

import (
	"sync"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// Factory 按需为一个裸 DC 创建 Dcenter（不带密钥）。
type Factory func(dcId dcid.DcId, key interfaces.PersistentKey) interfaces.Dcenter

// Directory 是 shifted DC id -> Dcenter 的目录。
type Directory struct {
	mu      sync.Mutex
	centers map[dcid.ShiftedDcId]interfaces.Dcenter
	toKill  []interfaces.Dcenter

	newDcenter Factory
}

// New 创建一个空目录。
func New(factory Factory) *Directory {
	return &Directory{
		centers:    make(map[dcid.ShiftedDcId]interfaces.Dcenter),
		newDcenter: factory,
	}
}

// Find 直接按 shifted id 查找，不做临时空间解析、不创建。
func (d *Directory) Find(shifted dcid.ShiftedDcId) (interfaces.Dcenter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc, ok := d.centers[shifted]
	return dc, ok
}

// AddWithOptionalKey 在目录里添加（或替换）一个 shifted id 对应的 Dcenter。
func (d *Directory) AddWithOptionalKey(shifted dcid.ShiftedDcId, key interfaces.PersistentKey) interfaces.Dcenter {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc := d.newDcenter(dcid.BareDcId(shifted), key)
	d.centers[shifted] = dc
	return dc
}

// Remove 把 shifted id 对应的 Dcenter 移入隔离区，延后销毁。
func (d *Directory) Remove(shifted dcid.ShiftedDcId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc, ok := d.centers[shifted]
	if !ok {
		return
	}
	delete(d.centers, shifted)
	d.toKill = append(d.toKill, dc)
}

// GetOrCreate 实现 §4.2 的解析策略：
//  1. 直接命中 shifted id -> 返回；
//  2. 若 shifted id 落在临时空间，解析出真实 DC id，命中则返回；
//  3. 否则为裸 DC id 插入一个没有密钥的新 Dcenter。
func (d *Directory) GetOrCreate(shifted dcid.ShiftedDcId) interfaces.Dcenter {
	d.mu.Lock()
	if dc, ok := d.centers[shifted]; ok {
		d.mu.Unlock()
		return dc
	}
	bare := dcid.BareDcId(shifted)
	if dcid.IsTemporaryDcId(shifted) {
		if real := dcid.GetRealIdFromTemporaryDcId(bare); real != 0 {
			if dc, ok := d.centers[dcid.ShiftedDcId(real)]; ok {
				d.mu.Unlock()
				return dc
			}
		}
	}
	dc := d.newDcenter(bare, nil)
	d.centers[dcid.ShiftedDcId(bare)] = dc
	d.mu.Unlock()
	return dc
}

// Empty 报告目录当前是否没有持有任何 Dcenter，隔离区中尚未释放的也计算在内。
func (d *Directory) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.centers) == 0 && len(d.toKill) == 0
}

// DrainQuarantine 清空隔离区，真正释放之前 Remove 的 Dcenter。
// 必须从编排器的主循环里调用，且不能在触发 Remove 的回调栈帧内直接调用。
func (d *Directory) DrainQuarantine() {
	d.mu.Lock()
	d.toKill = nil
	d.mu.Unlock()
}
