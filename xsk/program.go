// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"deepTide/utils/binary"
)

// Program 是按以太类型分流的XDP程序：匹配的帧按接收队列号重定向到
// 已注册的AF_XDP套接字，其余帧一律XDP_PASS交还内核协议栈。
type Program struct {
	program   *ebpf.Program
	xsksMap   *ebpf.Map
	etherType uint16
}

// NewProgram 构造以太类型过滤程序。etherType为主机字节序（如0x0806），
// maxQueues决定可注册套接字的网卡队列号上限。
func NewProgram(etherType uint16, maxQueues int) (*Program, error) {
	if maxQueues <= 0 {
		maxQueues = 64
	}

	xsksMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create xsks map failed")
	}

	// 过滤逻辑固定，直接以指令形式内联，无需携带编译产物
	program, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:    "ethertype_filter",
		Type:    ebpf.XDP,
		License: "LGPL-2.1 or BSD-2-Clause",
		Instructions: asm.Instructions{
			// r2 = data, r3 = data_end
			asm.LoadMem(asm.R2, asm.R1, 0, asm.Word),
			asm.LoadMem(asm.R3, asm.R1, 4, asm.Word),
			// 不足一个以太网头的帧直接放行
			asm.Mov.Reg(asm.R4, asm.R2),
			asm.Add.Imm(asm.R4, 14),
			asm.JGT.Reg(asm.R4, asm.R3, "pass"),
			// 以太类型字段在帧内第12字节起
			asm.LoadMem(asm.R4, asm.R2, 12, asm.Half),
			asm.JNE.Imm(asm.R4, int32(binary.Htons16(etherType)), "pass"),
			// bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS)
			// 队列未注册套接字时按第三个参数回退为XDP_PASS
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			asm.LoadMapPtr(asm.R1, xsksMap.FD()),
			asm.Mov.Imm(asm.R3, 2),
			asm.FnRedirectMap.Call(),
			asm.Return(),
			asm.Mov.Imm(asm.R0, 2).Sym("pass"),
			asm.Return(),
		},
	})
	if err != nil {
		xsksMap.Close()
		return nil, errors.Wrap(err, "load ethertype filter program failed")
	}

	return &Program{
		program:   program,
		xsksMap:   xsksMap,
		etherType: etherType,
	}, nil
}

// EtherType 返回程序分流的以太类型（主机字节序）。
func (p *Program) EtherType() uint16 {
	return p.etherType
}

// Attach the XDP Program to an interface.
func (p *Program) Attach(Ifindex int) error {
	if err := removeProgram(Ifindex); err != nil {
		return err
	}
	return attachProgram(Ifindex, p.program)
}

// Detach the XDP Program from an interface.
func (p *Program) Detach(Ifindex int) error {
	return removeProgram(Ifindex)
}

// RegisterFD adds the socket file descriptor to the redirect map.
func (p *Program) RegisterFD(queueID int, fd int) error {
	if err := p.xsksMap.Put(uint32(queueID), uint32(fd)); err != nil {
		return errors.Wrap(err, "put xsks map record failed")
	}

	return nil
}

// UnregisterFD removes the socket file descriptor from the redirect map.
func (p *Program) UnregisterFD(queueID int) error {
	if err := p.xsksMap.Delete(uint32(queueID)); err != nil {
		return errors.Wrap(err, "delete xsks map record failed")
	}
	return nil
}

func (p *Program) Close() error {
	var allErrors []error = nil

	if p.xsksMap != nil {
		if err := p.xsksMap.Close(); err != nil {
			allErrors = append(allErrors, err)
		}
		p.xsksMap = nil
	}

	if p.program != nil {
		if err := p.program.Close(); err != nil {
			allErrors = append(allErrors, err)
		}
		p.program = nil
	}

	if len(allErrors) > 0 {
		return allErrors[0]
	}

	return nil
}

// removeProgram removes an existing XDP program from the given network interface.
func removeProgram(Ifindex int) error {
	var link netlink.Link
	var err error
	link, err = netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFd(link, -1) failed")
	}
	for {
		link, err = netlink.LinkByIndex(Ifindex)
		if err != nil {
			return errors.Wrap(err, "get link by index failed")
		}
		if !isXdpAttached(link) {
			break
		}
		time.Sleep(time.Second)
	}
	return nil
}

func isXdpAttached(link netlink.Link) bool {
	if link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached {
		return true
	}
	return false
}

// attachProgram attaches the given XDP program to the network interface.
func attachProgram(Ifindex int, program *ebpf.Program) error {
	link, err := netlink.LinkByIndex(Ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}

	if err = netlink.LinkSetXdpFdWithFlags(link, program.FD(), int(DefaultXdpFlags)); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFdWithFlags set failed")
	}

	return nil
}
