package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"deepTide/arp"
	"deepTide/layers"
	"deepTide/pkg/tap"
	"deepTide/utils/binary"
	"deepTide/utils/raw"
)

// 不依赖XDP硬件的演示：在一个单队列TAP设备上运行解析引擎，
// TAP的文件端是这根虚拟网线的另一头，原样回灌后内核和引擎
// 就能看到彼此的帧，宿主机上直接arping即可得到应答。
//
// 事先创建设备: ip tuntap add tap0 mode tap one_queue
func main() {
	tapName := flag.String("tap", "tap0", "preconfigured one-queue tap device")
	ownedList := flag.String("owned", "10.77.0.2", "comma separated IPv4 addresses to answer for")
	announce := flag.Bool("announce", true, "broadcast gratuitous ARP on start")
	flag.Parse()

	log.SetOutput(os.Stdout)

	if binary.IsBigEndian() {
		log.Fatal("only little-endian hosts are supported")
	}

	owned := parseOwned(*ownedList)
	if len(owned) == 0 {
		log.Fatal("at least one owned IPv4 address is required, use -owned")
	}

	dev, err := tap.Open(*tapName)
	if err != nil {
		panic(err)
	}
	defer dev.Close()

	link, err := netlink.LinkByName(*tapName)
	if err != nil {
		panic(err)
	}
	if err = netlink.LinkSetUp(link); err != nil {
		panic(err)
	}

	queue, err := raw.New(*tapName, layers.EthernetTypeARP, nil)
	if err != nil {
		panic(err)
	}
	defer queue.Close()

	engine, err := arp.New(&arp.Config{
		ReceiveQueue:    queue,
		TransmitQueue:   queue,
		LinkAddress:     link.Attrs().HardwareAddr,
		OwnedAddresses:  owned,
		AnnounceOnStart: *announce,
	})
	if err != nil {
		panic(err)
	}
	if err = engine.Start(); err != nil {
		panic(err)
	}

	// 回灌协程：把TAP发出的帧原样写回去
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				log.Infof("tap closed: %v", err)
				return
			}
			if _, err = dev.Write(buf[:n]); err != nil {
				log.Errorf("tap loopback write failed: %v", err)
				return
			}
		}
	}()

	go func() {
		tc := time.NewTicker(time.Second * 10)
		defer tc.Stop()
		for {
			<-tc.C
			stats := engine.Stats()
			log.Infof("received=%d answered=%d learned=%d sent=%d cache=%d",
				stats.FramesReceived, stats.RequestsAnswered,
				stats.RepliesLearned, stats.RequestsSent, engine.Cache().Len())
		}
	}()

	log.Infof("answering for %s on %s, try: ip addr add 10.77.0.1/24 dev %s && arping -I %s %s",
		*ownedList, *tapName, *tapName, *tapName, owned[0])

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	<-sc

	engine.Stop()
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
