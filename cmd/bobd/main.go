// Command bobd is a node's entry point: it loads YAML configuration,
// wires the local backend, cluster coordinator, link manager, and
// maintenance tasks, and runs until signalled. The actual gRPC/REST
// request decoding is an out-of-scope collaborator (spec.md §1); this
// binary demonstrates the wiring and exercises it with the in-process
// transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
	"github.com/gholt/bob/cluster"
	"github.com/gholt/bob/config"
	"github.com/gholt/bob/disk"
	"github.com/gholt/bob/link"
	"github.com/gholt/bob/maintenance"
)

type optsStruct struct {
	Node        string `long:"node" description:"This node's name, must match an entry in cluster.yaml" required:"true"`
	ClusterYAML string `long:"cluster-yaml" description:"Path to cluster.yaml" default:"cluster.yaml"`
	NodeYAML    string `long:"node-yaml" description:"Path to node.yaml" default:"node.yaml"`
	UsersYAML   string `long:"users-yaml" description:"Path to users.yaml"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return 1
	}

	cfg, err := config.Load(bob.NodeName(opts.Node), opts.ClusterYAML, opts.NodeYAML, opts.UsersYAML)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bobd: invalid configuration: %s\n", err)
		return 1
	}
	log := func(format string, v ...interface{}) { fmt.Fprintf(os.Stderr, format, v...) }
	cfg.Pearl.Log = log

	primary := backend.New(cfg.Pearl, false)
	alien := backend.New(cfg.Pearl, true)

	for vdisk := 0; vdisk < cfg.Mapper.VDiskCount(); vdisk++ {
		for _, r := range cfg.Mapper.ReplicasOf(bob.VDiskID(vdisk)) {
			if r.Node != cfg.Self {
				continue
			}
			retryTimeout := time.Duration(cfg.Pearl.FailRetryTimeoutMS) * time.Millisecond

			c, err := disk.NewController(r.Disk, r.Path, false, 8, 0, log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bobd: startup I/O error: %s\n", err)
				return 2
			}
			c.RetryTimeout = retryTimeout
			primary.AddDisk(c)

			ac, err := disk.NewController(r.Disk, r.Path, true, 8, 0, log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bobd: startup I/O error: %s\n", err)
				return 2
			}
			ac.RetryTimeout = retryTimeout
			alien.AddDisk(ac)
		}
	}

	transport := link.NewInProcessTransport()
	transport.Register(cfg.Self, primary)
	links := link.NewManager(transport, 0, 3, log)

	coordinator := &cluster.Coordinator{
		Self: cfg.Self, Mapper: cfg.Mapper, Policy: cfg.Policy,
		Quorum: cfg.Quorum, Timeout: cfg.Timeout,
		Transport: transport, Links: links, Log: log,
		Primary: primary, Alien: alien,
	}
	log("bobd: node %s ready, policy=%v quorum=%d vdisks=%d\n", coordinator.Self, coordinator.Policy, coordinator.Quorum, coordinator.Mapper.VDiskCount())

	ctx, cancel := context.WithCancel(context.Background())
	cleaner := &maintenance.Cleaner{Backend: primary, CheckInterval: cfg.Check}
	counter := maintenance.NewCounter(primary, cfg.Check, 16, func(s maintenance.Snapshot) {
		log("bobd: blobs=%d disk_usage=%d\n", s.BlobCount, s.DiskUsage)
	})
	go cleaner.Run(ctx)
	go counter.Run(ctx)
	go links.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	if err := primary.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "bobd: error during shutdown: %s\n", err)
		return 3
	}
	if err := alien.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "bobd: error during shutdown: %s\n", err)
		return 3
	}
	return 0
}
