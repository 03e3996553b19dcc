// Command bob-bench is a load generator exercising Put/Get/Delete/Exist
// against an in-process single-node cluster, modeled on the teacher's
// brimstore-valuesstore load generator (brimstore-valuesstore/main.go).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gholt/brimutil"
	"github.com/jessevdk/go-flags"

	"github.com/gholt/bob"
	"github.com/gholt/bob/backend"
	"github.com/gholt/bob/cluster"
	"github.com/gholt/bob/disk"
	"github.com/gholt/bob/link"
	"github.com/gholt/bob/pearl"
)

type optsStruct struct {
	Clients       int  `long:"clients" description:"Number of concurrent clients. Default: cores*cores"`
	Cores         int  `long:"cores" description:"Number of cores. Default: CPU core count"`
	Number        int  `short:"n" long:"number" description:"Number of keys"`
	Length        int  `short:"l" long:"length" description:"Length of values"`
	Random        int  `long:"random" description:"Random number seed"`
	ExtendedStats bool `long:"extended-stats" description:"Print per-disk stats table at exit."`
	Positional    struct {
		Tests []string `name:"tests" description:"write read delete"`
	} `positional-args:"yes"`

	keyspace []byte
	value    []byte
	coord    *cluster.Coordinator
	st       runtime.MemStats
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "write", "read", "delete":
		default:
			fmt.Fprintf(os.Stderr, "Unknown test named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	} else if os.Getenv("GOMAXPROCS") == "" {
		runtime.GOMAXPROCS(runtime.NumCPU())
	}
	opts.Cores = runtime.GOMAXPROCS(0)
	if opts.Clients == 0 {
		opts.Clients = opts.Cores * opts.Cores
	}
	if opts.Number == 0 {
		opts.Number = 10000
	}
	opts.keyspace = make([]byte, opts.Number*bob.MaxKeyLen)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(opts.keyspace)
	opts.value = make([]byte, opts.Length)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(opts.value)

	fmt.Println(opts.Cores, "cores")
	fmt.Println(opts.Clients, "clients")
	fmt.Println(opts.Number, "keys")

	dir, err := os.MkdirTemp("", "bob-bench")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	opts.coord = buildSingleNodeCoordinator(dir)
	memstat()
	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "write":
			write()
		case "read":
			read()
		case "delete":
			del()
		}
		memstat()
	}
	if opts.ExtendedStats {
		fmt.Println(opts.coord.Primary.Stats())
	}
}

func buildSingleNodeCoordinator(dir string) *cluster.Coordinator {
	const self = bob.NodeName("bench")
	primaryPath := bob.DiskPath(filepath.Join(dir, "disk0"))
	mapper := cluster.NewMapper([]bob.VDisk{
		{ID: 0, Replicas: []bob.NodeDisk{{Node: self, Disk: "disk0", Path: primaryPath}}},
	})
	pc := pearl.ResolveConfig(&pearl.Config{KeyLen: bob.MaxKeyLen})
	primary := backend.New(pc, false)
	alien := backend.New(pc, true)
	ctrl, err := newController(primaryPath, false)
	if err != nil {
		panic(err)
	}
	actrl, err := newController(bob.DiskPath(filepath.Join(dir, "disk0-alien")), true)
	if err != nil {
		panic(err)
	}
	primary.AddDisk(ctrl)
	alien.AddDisk(actrl)

	transport := link.NewInProcessTransport()
	transport.Register(self, primary)
	links := link.NewManager(transport, 0, 3, nil)

	return &cluster.Coordinator{
		Self: self, Mapper: mapper, Policy: cluster.Simple, Quorum: 1,
		Timeout: 2 * time.Second, Transport: transport, Links: links,
		Primary: primary, Alien: alien,
	}
}

func newController(path bob.DiskPath, isAlien bool) (*disk.Controller, error) {
	if err := os.MkdirAll(string(path), 0o755); err != nil {
		return nil, err
	}
	return disk.NewController("disk0", path, isAlien, 8, time.Minute, nil)
}

func memstat() {
	runtime.ReadMemStats(&opts.st)
	fmt.Printf("%0.2fG total alloc\n\n", float64(opts.st.TotalAlloc)/1024/1024/1024)
}

func keyAt(i int) bob.Key {
	off := i * bob.MaxKeyLen
	return bob.NewKey(opts.keyspace[off:off+bob.MaxKeyLen], bob.MaxKeyLen)
}

func write() {
	begin := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.Clients)
	var errs uint64
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			per := opts.Number / opts.Clients
			start, end := client*per, (client+1)*per
			if client == opts.Clients-1 {
				end = opts.Number
			}
			for i := start; i < end; i++ {
				ts := uint64(time.Now().UnixNano())
				if _, err := opts.coord.Put(context.Background(), keyAt(i), opts.value, nil, ts); err != nil {
					atomic.AddUint64(&errs, 1)
				}
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to write %d values (%d errors)\n", dur, float64(opts.Number)/dur.Seconds(), opts.Number, errs)
}

func read() {
	begin := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.Clients)
	var missing uint64
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			per := opts.Number / opts.Clients
			start, end := client*per, (client+1)*per
			if client == opts.Clients-1 {
				end = opts.Number
			}
			var m uint64
			for i := start; i < end; i++ {
				if _, _, err := opts.coord.Get(context.Background(), keyAt(i)); err != nil {
					m++
				}
			}
			if m > 0 {
				atomic.AddUint64(&missing, m)
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to read %d values (%d missing)\n", dur, float64(opts.Number)/dur.Seconds(), opts.Number, missing)
}

func del() {
	begin := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.Clients)
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			per := opts.Number / opts.Clients
			start, end := client*per, (client+1)*per
			if client == opts.Clients-1 {
				end = opts.Number
			}
			for i := start; i < end; i++ {
				ts := uint64(time.Now().UnixNano())
				opts.coord.Delete(context.Background(), keyAt(i), ts)
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to delete %d values\n", dur, float64(opts.Number)/dur.Seconds(), opts.Number)
}

