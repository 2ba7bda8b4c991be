// Package lib 包含与具体架构组件无关的基础设施工具库：
//
//   - log: 日志封装
//   - eventbus: 反射驱动的类型安全事件总线
//   - metrics: Prometheus 指标收集器
package lib
