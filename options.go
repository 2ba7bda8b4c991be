package mtpcore

import (
	"context"

	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/internal/core/keysdestroyer"
	"github.com/dep2p/mtpcore/pkg/interfaces"
)

// Option 配置一个 Engine。
type Option func(*options)

type options struct {
	dcOptions        interfaces.DcOptions
	persistence      interfaces.Persistence
	application      interfaces.Application
	language         interfaces.LanguageManager
	configLoader     interfaces.ConfigLoader
	timeSync         interfaces.TimeSync
	cdnFetcher       func(ctx context.Context) (interfaces.CdnConfig, error)
	keysDestroyerRPC keysdestroyer.RPC
	metrics          interfaces.Metrics
	eventBus         interfaces.EventBus

	mainDcId                   dcid.DcId
	keysDestroyerMode          bool
	experimentalMigrateImport  bool
}

// WithMainDcId 设置常规模式下的初始主 DC。
func WithMainDcId(id dcid.DcId) Option {
	return func(o *options) { o.mainDcId = id }
}

// WithKeysDestroyerMode 切换到密钥销毁模式：没有主会话，每把钥匙在自己
// 的 shift 槽位上独立推进 LogOut -> DestroyAuthKey 状态机。
func WithKeysDestroyerMode(rpc keysdestroyer.RPC) Option {
	return func(o *options) {
		o.keysDestroyerMode = true
		o.keysDestroyerRPC = rpc
	}
}

// WithConfigLoader 装配服务器配置加载与续约。
func WithConfigLoader(loader interfaces.ConfigLoader, dcOptions interfaces.DcOptions) Option {
	return func(o *options) {
		o.configLoader = loader
		o.dcOptions = dcOptions
	}
}

// WithPersistence 装配持久化写回。
func WithPersistence(p interfaces.Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// WithApplication 装配宿主应用回调。
func WithApplication(app interfaces.Application) Option {
	return func(o *options) { o.application = app }
}

// WithLanguageManager 装配语言包云端管理器。
func WithLanguageManager(lang interfaces.LanguageManager) Option {
	return func(o *options) { o.language = lang }
}

// WithTimeSync 装配 HTTP-unixtime 可信时间同步源。
func WithTimeSync(ts interfaces.TimeSync) Option {
	return func(o *options) { o.timeSync = ts }
}

// WithCDNFetcher 装配 help.GetCdnConfig 的一次性拉取函数。
func WithCDNFetcher(fn func(ctx context.Context) (interfaces.CdnConfig, error)) Option {
	return func(o *options) { o.cdnFetcher = fn }
}

// WithMetrics 装配可选的指标收集器。
func WithMetrics(m interfaces.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEventBus 装配内部事件总线，用于订阅密钥变更和销毁完成事件。
func WithEventBus(bus interfaces.EventBus) Option {
	return func(o *options) { o.eventBus = bus }
}

// WithExperimentalMigrateViaExportImport 打开迁移处理中 export/import
// 鉴权的备用路径；默认关闭，走切换主 DC 的路径。
func WithExperimentalMigrateViaExportImport() Option {
	return func(o *options) { o.experimentalMigrateImport = true }
}
