package arp

import (
	"deepTide/xsk"
)

// ReceiveQueue 是引擎消费的单队列收包面：补充收包缓冲、有界等待、
// 按量取帧。*xsk.Socket 原生满足该接口，utils/raw 提供AF_PACKET实现。
type ReceiveQueue interface {
	// Ifindex 返回队列绑定的网卡序号，引擎用其校验收发同卡
	Ifindex() int

	NumFreeFillSlots() int
	GetFreeFillDescs(n int) []xsk.Desc
	Fill(descs []xsk.Desc) int

	// Poll 等待事件到来，timeout为毫秒，负值无限等待
	Poll(timeout int) (numReceived int, numCompleted int, err error)
	Receive(n int) []xsk.Desc
	GetFrame(d xsk.Desc) []byte
}

// TransmitQueue 是引擎使用的发包面：申请描述符、写入帧内容、
// 提交发送、回收完成量。
type TransmitQueue interface {
	Ifindex() int

	GetFreeTransmitDescs(n int) []xsk.Desc
	GetFrame(d xsk.Desc) []byte
	Transmit(descs []xsk.Desc)

	NumCompleted() int
	Complete(n int)
}
