// Package mtpcore 提供一个多数据中心 MTProto 客户端编排层。
//
// mtpcore 围绕三个核心概念构建：
//
//   - Engine: 编排器的主入口，多路复用应用层 RPC 请求到多个服务器分片上
//   - DC (data center): 服务器分片，每个分片可能同时承载多个独立用途的会话
//     （主连接、媒体下载、上传、CDN、临时迁移中转……）
//   - Session: 单个分片上的传输端点，由调用方提供，不属于本包的关心范围
//
// # 快速开始
//
//	eng, err := mtpcore.New(mySessions.New, myKeyStore.New, myTL.AuthCodec{},
//	    mtpcore.WithMainDcId(2))
//	if err != nil {
//	    ...
//	}
//	defer eng.Close()
//
//	id := eng.Send(&interfaces.Request{Body: body}, interfaces.Callbacks{
//	    OnDone: func(requestId int32, result []byte) bool { ... ; return true },
//	}, 0, 0, false, 0)
//
// # 范围
//
// 本包只负责请求的生命周期、分片路由和服务器驱动的迁移/限流/鉴权恢复；
// 连接建立、TL 字节编解码、RSA 握手、消息号/序列号分配均由调用方通过
// pkg/interfaces 里的协作方契约提供。
package mtpcore
