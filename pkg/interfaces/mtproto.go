// Package interfaces 定义编排器依赖的协作方契约。
//
// 本包只描述编排器需要的外部行为（会话、DC 目录、配置加载、持久化……），
// 不包含任何实现：连接 I/O、TL 字节编解码、RSA 握手等均由调用方提供。
package interfaces

import (
	"context"
	"time"
)

// DcId 是服务器分片的裸标识。
type DcId int32

// ShiftedDcId 是打包了 shift 选择符的 DC 标识，参见 internal/core/dcid。
type ShiftedDcId int32

// DcType 描述一个 DC 在目录中扮演的角色。
type DcType int

const (
	DcTypeMain DcType = iota
	DcTypeMedia
	DcTypeCdn
	DcTypeTemporary
)

// SessionState 镜像会话连接状态机的离散取值。
type SessionState int32

const (
	// StateSent 表示请求已经发出，仍在等待响应。
	StateSent SessionState = 0
	// StateDisconnected 表示会话当前没有活跃连接。
	StateDisconnected SessionState = -1
)

// Session 是编排器依赖的单个分片会话端点。
//
// 实现方拥有传输层、封包与消息号/序列号机制；编排器只负责把准备好的
// 请求交给它，并解释它产生的错误。
type Session interface {
	Start()
	Stop()
	Kill()
	Restart()
	ReInitConnection()
	Unpaused()
	Ping()

	// SendPrepared 把已编号、已序列化的请求交给会话发送。
	// msCanWait 是批量发送的建议等待时长，0 表示立即发送。
	SendPrepared(payload *Request, msCanWait time.Duration)

	// Cancel 请求会话丢弃已发出的 msgId 对应的出站消息。
	Cancel(requestId int32, msgId int64)

	RequestState(requestId int32) SessionState
	GetState() SessionState
	Transport() string

	// GetDcWithShift 返回该会话绑定的 shifted DC id。
	GetDcWithShift() ShiftedDcId

	// RefreshOptions 在代理或者 DC 选项变化后，要求会话重新读取配置。
	RefreshOptions()
}

// PersistentKey 是与某个 DC 绑定的长期鉴权密钥的不透明句柄。
//
// 其值语义是引用计数的：多个 Dcenter/写回表可以共享同一把钥匙而不复制内容。
type PersistentKey interface {
	DcId() DcId
	KeyId() uint64
}

// Dcenter 持有一个 DC 的长期鉴权密钥，由目录按 shifted id 独占所有。
type Dcenter interface {
	DcId() DcId
	Key() PersistentKey

	// DestroyConfirmedForgottenKey 在服务器确认某个 keyId 已被销毁时调用；
	// 只有当前持有的密钥确实是该 keyId 时才清空并返回 true。
	DestroyConfirmedForgottenKey(keyId uint64) bool
}

// DcOptions 是 DC 端点目录（静态 + 动态）的契约。
type DcOptions interface {
	SetFromList(list []DcOption)
	SetCDNConfig(data CdnConfig)
	DcType(dcId DcId) DcType
}

// DcOption 是服务器下发的单条 DC 端点描述。
type DcOption struct {
	DcId  DcId
	IP    string
	Port  int
	Flags int
}

// CdnConfig 是 help.GetCdnConfig 响应的载荷。
type CdnConfig struct {
	PublicKeys map[int64]string
}

// ServerConfig 镜像服务器下发的 config 结构中编排器关心的字段。
type ServerConfig struct {
	ThisDc          DcId
	DcOptions       []DcOption
	Expires         int64 // unix 秒
	SuggestedLang   string
	LangPackVersion int32
	BaseLangVersion int32
	AutoupdateURL   string
	BlockedMode     bool
}

// ConfigLoader 后台拉取一次服务器配置。
type ConfigLoader interface {
	SetPhone(phone string)
	Load(ctx context.Context) (ServerConfig, error)
}

// TimeSync 拉取一次可信的服务器时间（HTTP-unixtime 同步）。
type TimeSync interface {
	Fetch(ctx context.Context) (time.Time, error)
}

// Persistence 把编排器的持久状态写入本地存储。
type Persistence interface {
	WriteMtpData()
	WriteSettings()
	WriteAutoupdatePrefix(prefix string)
}

// LanguageManager 是语言包云端管理器的窄契约。
type LanguageManager interface {
	SetSuggestedLanguage(code string)
	SetCurrentVersions(version, baseVersion int32)
	ResetToDefault()
}

// Application 是编排器回调宿主应用的窄契约。
type Application interface {
	BadMtprotoConfigurationError()
	RefreshGlobalProxy()
	ConfigUpdated()
}

// Metrics 是一个可选的指标汇报收集器；nil 是合法值，调用方必须判空。
type Metrics interface {
	IncRequestsSent(dcId DcId)
	ObserveRequestLatency(dcId DcId, d time.Duration)
	SetInFlightRequests(n int)
	IncErrors(kind string)
}

// DoneHandler 在请求成功完成时被调用。
type DoneHandler func(requestId int32, result []byte) bool

// FailHandler 在请求失败时被调用。对经 Send 提交的请求，默认错误策略先于
// 它运行，只有错误策略不接管该错误时才会调用它；编排器不读取它的返回值。
type FailHandler func(requestId int32, err RPCError) bool

// RPCError 是从线路层解析出的服务器/本地错误。
type RPCError struct {
	Type string
	Code int32
}

func (e RPCError) Error() string {
	return e.Type
}

// Request 是一次 RPC 调用的完整可变状态，在其生命周期内由注册表持有。
type Request struct {
	RequestId    int32
	Body         []byte
	After        *Request
	LastSentTime time.Time
	NeedsLayer   bool
}

// Callbacks 绑定一对 done/fail 回调。
type Callbacks struct {
	OnDone DoneHandler
	OnFail FailHandler
}

// Empty 报告这对回调是否都未设置。
func (c Callbacks) Empty() bool {
	return c.OnDone == nil && c.OnFail == nil
}

// EventBus, Subscription, Emitter and their option/settings types are
// declared in eventbus.go and reused as-is for DcTemporaryKeyChanged and
// AllKeysDestroyed broadcast.
