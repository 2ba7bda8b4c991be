// Package events 定义编排器通过事件总线广播的内部事件载荷类型。
package events

import "github.com/dep2p/mtpcore/pkg/interfaces"

// DcTemporaryKeyChanged 在某个 DC 的临时鉴权密钥被建立或替换时发射。
type DcTemporaryKeyChanged struct {
	DcId interfaces.DcId
}

// AllKeysDestroyed 在密钥销毁模式下，所有已知长期密钥都完成销毁序列后
// 恰好发射一次。
type AllKeysDestroyed struct{}
