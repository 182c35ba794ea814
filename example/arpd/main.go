package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"deepTide/arp"
	"deepTide/layers"
	"deepTide/pkg/timer"
	"deepTide/utils/binary"
	"deepTide/xsk"
)

func main() {
	interfaceName := flag.String("interface", "", "interface to serve ARP on")
	queueID := flag.Int("qid", 0, "interface queue id")
	ownedList := flag.String("owned", "", "comma separated IPv4 addresses to answer for")
	macStr := flag.String("mac", "", "mac address to answer with, defaults to the interface mac")
	announce := flag.Bool("announce", false, "broadcast gratuitous ARP on start")
	pprofListen := flag.String("listen", "", "pprof http server address, such as '0.0.0.0:6060'")
	hugePage := flag.Bool("hugepage", false, "use huge page")
	gbPage := flag.Bool("gbpage", false, "use 1gb huge page, only available when hugepage enabled")
	flag.Parse()

	log.SetOutput(os.Stdout)

	if binary.IsBigEndian() {
		log.Fatal("only little-endian hosts are supported")
	}

	if *pprofListen != "" {
		go http.ListenAndServe(*pprofListen, nil)
	}

	owned := parseOwned(*ownedList)
	if len(owned) == 0 {
		log.Fatal("at least one owned IPv4 address is required, use -owned")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		panic(errors.Wrap(err, "remove memlock rlimit failed"))
	}

	link, err := netlink.LinkByName(*interfaceName)
	if err != nil {
		panic(err)
	}

	linkAddr := link.Attrs().HardwareAddr
	if *macStr != "" {
		linkAddr, err = net.ParseMAC(*macStr)
		if err != nil {
			panic(err)
		}
	}

	// 只把ARP流量引到AF_XDP队列，其余协议照常走内核协议栈
	program, err := xsk.NewProgram(layers.EthernetTypeARP, 0)
	if err != nil {
		panic(err)
	}
	if err = program.Attach(link.Attrs().Index); err != nil {
		panic(err)
	}

	opt := xsk.DefaultSocketOptions()
	opt.UseHugePage = *hugePage
	opt.HugePage1Gb = *gbPage
	socket, err := xsk.NewSocket(link.Attrs().Index, *queueID, opt)
	if err != nil {
		panic(err)
	}

	if err = program.RegisterFD(*queueID, socket.FD()); err != nil {
		panic(err)
	}

	clock := timer.NewCoarse(time.Second)
	defer clock.Stop()

	engine, err := arp.New(&arp.Config{
		ReceiveQueue:    socket,
		TransmitQueue:   socket,
		LinkAddress:     linkAddr,
		OwnedAddresses:  owned,
		Clock:           clock,
		AnnounceOnStart: *announce,
	})
	if err != nil {
		panic(err)
	}
	if err = engine.Start(); err != nil {
		panic(err)
	}

	go func() {
		tc := time.NewTicker(time.Second * 10)
		defer tc.Stop()
		for {
			<-tc.C

			kstat, err := socket.Stats()
			if err != nil {
				log.Errorf("get socket stats failed: %v", err)
				continue
			}

			stats := engine.Stats()
			fmt.Printf("[Status][%s]\n"+
				"  - FramesReceived:    %d\n"+
				"  - FramesDropped:     %d\n"+
				"  - RequestsAnswered:  %d\n"+
				"  - RepliesLearned:    %d\n"+
				"  - RequestsSent:      %d\n"+
				"  - Announced:         %d\n"+
				"  - TxDropped:         %d\n"+
				"  - CacheEntries:      %d\n"+
				"  - [K]RxDropped:      %d\n"+
				"  - [K]RxInvalidDescs: %d\n"+
				"  - [K]TxInvalidDescs: %d\n",
				time.Now().String(),
				stats.FramesReceived,
				stats.FramesDropped,
				stats.RequestsAnswered,
				stats.RepliesLearned,
				stats.RequestsSent,
				stats.Announced,
				stats.TxDropped,
				engine.Cache().Len(),
				kstat.KernelStats.Rx_dropped,
				kstat.KernelStats.Rx_invalid_descs,
				kstat.KernelStats.Tx_invalid_descs)
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	<-sc

	engine.Stop()
	if err = program.Detach(link.Attrs().Index); err != nil {
		panic(errors.Wrap(err, "detach failed"))
	}
	_ = program.Close()
	_ = socket.Close()
}

func parseOwned(list string) []net.IP {
	var owned []net.IP
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ip := net.ParseIP(s).To4()
		if ip == nil {
			panic(fmt.Errorf("parse owned address failed: %s", s))
		}
		owned = append(owned, ip)
	}
	return owned
}
