// Package dcid 实现 shifted-DC-id 的编码方案。
//
// 一个 DcId 是命名服务器分片的小整数。一个 ShiftedDcId 把 DcId 和一个
// shift 打包进同一个有符号整数里，shift 区分同一个物理 DC 上的不同用途：
// 主会话、媒体下载、上传、登出访客、密钥销毁、以及 CDN/临时标记空间。
package dcid

import "github.com/dep2p/mtpcore/pkg/interfaces"

type DcId = interfaces.DcId
type ShiftedDcId = interfaces.ShiftedDcId

// upshift 是 shift 字段在 ShiftedDcId 中的位偏移。裸 DC id 被假定为
// 能放进低 16 位的小正整数，shift 占据高位。
const upshift = 16

// shift 选择符，对应旧客户端里分散各处的魔数位常量。
const (
	ShiftMain        = 0
	ShiftMediaBase   = 1 // 媒体下载槽位起点，可连续占用多个
	ShiftUploadBase  = 1 << 8
	ShiftLogoutGuest = 1<<8 + 1<<7
	ShiftDestroyKey  = 1 << 9
	ShiftCdn         = 1 << 10
	ShiftTemporary   = 1 << 11
)

// BareDcId 返回 shifted id 的裸 DC 部分。
func BareDcId(shifted ShiftedDcId) DcId {
	v := int32(shifted)
	if v < 0 {
		v = -v
	}
	return DcId(v & ((1 << upshift) - 1))
}

// GetDcIdShift 返回 shifted id 的 shift 部分。
func GetDcIdShift(shifted ShiftedDcId) int32 {
	v := int32(shifted)
	if v < 0 {
		v = -v
	}
	return v >> upshift
}

// ShiftDcId 把裸 DC id 和 shift 打包成一个 ShiftedDcId。
func ShiftDcId(bare DcId, shift int32) ShiftedDcId {
	return ShiftedDcId(int32(bare) | (shift << upshift))
}

// isTemporaryDcId 报告给定裸 id 是否落在临时标记空间里。
func isTemporaryDcId(bare DcId) bool {
	return (int32(bare) & ShiftTemporary) != 0
}

// IsTemporaryDcId 导出版本，供目录/池在解析时调用。
func IsTemporaryDcId(shifted ShiftedDcId) bool {
	return isTemporaryDcId(BareDcId(shifted))
}

// GetRealIdFromTemporaryDcId 从临时标记空间的 id 还原出真实的裸 DC id。
// 若给定 id 根本不在临时空间里，返回 0。
func GetRealIdFromTemporaryDcId(bare DcId) DcId {
	if !isTemporaryDcId(bare) {
		return 0
	}
	return DcId(int32(bare) &^ ShiftTemporary)
}

// DestroyKeyNextDcId 为密钥销毁模式分配下一个可用的 shift 槽位，使同一个
// 物理 DC 的多把钥匙落在连续但互不冲突的 shift 上。
func DestroyKeyNextDcId(shifted ShiftedDcId) ShiftedDcId {
	bare := BareDcId(shifted)
	shift := GetDcIdShift(shifted)
	if shift < ShiftDestroyKey {
		shift = ShiftDestroyKey
	} else {
		shift++
	}
	return ShiftDcId(bare, shift)
}

// LogoutDcId 返回某个裸 DC id 对应的“登出访客”shift 槽位。
func LogoutDcId(bare DcId) ShiftedDcId {
	return ShiftDcId(bare, ShiftLogoutGuest)
}
