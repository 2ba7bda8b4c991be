// Package interfaces 定义编排器与其协作方之间的公共契约。
//
// mtproto.go 描述编排器本身看到的世界：DC id、会话、请求载荷、回调、
// RPC 错误、以及配置加载器/语言管理器/时间同步/持久化等周边依赖的窄接口。
// eventbus.go 定义编排器用来广播内部事件（密钥变更、销毁完成……）的
// 类型安全发布/订阅契约，供 pkg/lib/eventbus 实现。
//
// 本包只包含纯接口定义；具体实现留给调用方或 pkg/lib 下的基础设施库。
package interfaces
