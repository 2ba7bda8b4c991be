// Package config 提供 mtpcore 编排器的统一配置管理。
//
// Config 可以直接构造，也可以用 NewConfig 取得一份带有合理默认值的拷贝再
// 按需覆盖字段；FromJSON/ToJSON 支持从磁盘加载与保存。
package config

import (
	"encoding/json"
	"fmt"
)

// Mode 选择编排器的运行模式。
type Mode int

const (
	// ModeNormal 是常规模式：维护一个主 DC 和按需启动的附属会话。
	ModeNormal Mode = iota
	// ModeKeysDestroyer 只负责销毁一批长期密钥，不建立主会话。
	ModeKeysDestroyer
)

// KnownKey 描述一把预先持久化的 DC 长期密钥，用于冷启动时恢复已有的
// 鉴权状态而不必重新握手。
type KnownKey struct {
	DcId  int32  `json:"dc_id"`
	KeyId uint64 `json:"key_id"`
}

// Config 是编排器的完整配置。
type Config struct {
	// DeviceModel/SystemVersion/AppVersion/LangCode 进入每次请求外层的
	// initConnection 包装，由调用方的 TL 编解码层消费；编排器本身只是
	// 原样持有转发。
	DeviceModel   string `json:"device_model"`
	SystemVersion string `json:"system_version"`
	AppVersion    string `json:"app_version"`
	LangCode      string `json:"lang_code"`

	// Keys 是冷启动时已知的长期密钥集合。
	Keys []KnownKey `json:"keys"`

	// MainDcId 是常规模式下的初始主 DC；未知时取 0，编排器等待服务器
	// 迁移指令或显式的 SetMainDcId 调用。
	MainDcId int32 `json:"main_dc_id"`

	// Mode 选择常规模式还是密钥销毁模式。
	Mode Mode `json:"mode"`

	// ExperimentalMigrateViaExportImport 打开迁移处理中
	// export/import 鉴权的备用路径，默认走切换 mainDcId 的路径。
	ExperimentalMigrateViaExportImport bool `json:"experimental_migrate_via_export_import"`

	// Timeouts 聚合所有可调超时/节流参数。
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// TimeoutsConfig 聚合编排器各处可调的时间参数。
type TimeoutsConfig struct {
	// BackoffInitial/BackoffMax 界定瞬时错误重试的指数退避范围。
	BackoffInitial Duration `json:"backoff_initial"`
	BackoffMax     Duration `json:"backoff_max"`

	// ResendSlack 是延迟重发队列在到期时间上额外附加的安全余量。
	ResendSlack Duration `json:"resend_slack"`

	// ConfigFreshNormal/ConfigFreshBlocked 是判定服务器配置“过旧需要
	// 刷新”的阈值，阻塞模式下更积极。
	ConfigFreshNormal  Duration `json:"config_fresh_normal"`
	ConfigFreshBlocked Duration `json:"config_fresh_blocked"`

	// ConfigMaxReschedule 是配置到期自调度定时器允许的最长单次等待。
	ConfigMaxReschedule Duration `json:"config_max_reschedule"`
}

// NewConfig 返回一份带有合理默认值的配置。
func NewConfig() *Config {
	return &Config{
		DeviceModel:   "mtpcore",
		SystemVersion: "unknown",
		AppVersion:    "0.0.0",
		LangCode:      "en",
		Mode:          ModeNormal,
		Timeouts: TimeoutsConfig{
			BackoffInitial:      Duration(1e9),  // 1s
			BackoffMax:          Duration(60e9), // 60s
			ResendSlack:         Duration(10e6), // 10ms
			ConfigFreshNormal:   Duration(120e9),
			ConfigFreshBlocked:  Duration(8e9),
			ConfigMaxReschedule: Duration(3600e9),
		},
	}
}

// Validate 检查配置是否内部一致。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Mode == ModeNormal && c.MainDcId == 0 && len(c.Keys) == 0 {
		return fmt.Errorf("normal mode requires either a main_dc_id or at least one known key")
	}
	if c.Mode == ModeKeysDestroyer && len(c.Keys) == 0 {
		return fmt.Errorf("keys destroyer mode requires at least one key to destroy")
	}
	if c.Timeouts.BackoffInitial <= 0 {
		return fmt.Errorf("timeouts.backoff_initial must be positive")
	}
	if c.Timeouts.BackoffMax < c.Timeouts.BackoffInitial {
		return fmt.Errorf("timeouts.backoff_max must not be smaller than backoff_initial")
	}
	return nil
}

// FromJSON 解析一份 JSON 配置，套用默认值后再覆盖显式字段。
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ToJSON 把配置序列化为带缩进的 JSON。
func ToJSON(c *Config) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
