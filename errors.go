package mtpcore

import "errors"

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrAlreadyStarted 编排器已经启动
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrClosed 编排器已关闭
	ErrClosed = errors.New("engine closed")

	// ────────────────────────────────────────────────────────────────────────
	// 配置错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNoSessionFactory 缺少会话工厂
	ErrNoSessionFactory = errors.New("no session factory configured")

	// ErrNoDcenterFactory 缺少 Dcenter 工厂
	ErrNoDcenterFactory = errors.New("no dcenter factory configured")

	// ErrKeysDestroyerNeedsKeys 密钥销毁模式下没有提供任何待销毁的密钥
	ErrKeysDestroyerNeedsKeys = errors.New("keys destroyer mode requires at least one key")
)
