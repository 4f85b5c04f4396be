// Command remixdb-demo drives a store through a handful of named workloads,
// the way brimstore-valuesstore/main.go drives the teacher's ValuesStore.
// It is scaffolding around the core, not part of it (spec.md §1 excludes
// "the CLI demo, stress test driver" from the core's scope).
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/Kevin-Yang1/remixdb"
	"github.com/Kevin-Yang1/remixdb/zone/memzone"
)

type optsStruct struct {
	Dir           string `long:"dir" description:"Store directory" default:"."`
	CacheMB       int    `long:"cache-mb" description:"Zone block cache size in MB" default:"64"`
	MemtableMB    int    `long:"memtable-mb" description:"Memtable byte cap in MB before compaction fires" default:"64"`
	WALMB         int    `long:"wal-mb" description:"WAL file byte cap in MB" default:"64"`
	CompactKeys   bool   `long:"compact-keys" description:"Request key-only zone compaction"`
	Tags          bool   `long:"tags" description:"Enable zone tagging"`
	Workers       int    `long:"workers" description:"Zone compaction worker count. Default: cores"`
	CoPerWorker   int    `long:"co-per-worker" description:"Coroutines per zone worker" default:"4"`
	CPUs          []int  `long:"cpu" description:"CPU to pin a compaction worker to; repeat per worker"`
	ExtendedStats bool   `long:"extended-stats" description:"Print extended statistics at exit"`
	Number        int    `short:"n" long:"number" description:"Number of keys to exercise" default:"1000"`
	Positional    struct {
		Tests []string `name:"tests" description:"put get del scan"`
	} `positional-args:"yes"`
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
		case "put", "get", "del", "scan":
		default:
			fmt.Fprintf(os.Stderr, "Unknown test named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zm, err := memzone.Open(opts.Dir, opts.CacheMB, opts.CompactKeys, opts.Tags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := remixdb.NewConfig()
	cfg.Dir = opts.Dir
	cfg.CacheMB = opts.CacheMB
	cfg.MemtableMB = opts.MemtableMB
	cfg.WALMB = opts.WALMB
	cfg.CompactKeys = opts.CompactKeys
	cfg.Tags = opts.Tags
	cfg.Workers = opts.Workers
	cfg.CoPerWorker = opts.CoPerWorker
	cfg.WorkerCPUs = opts.CPUs

	store, err := remixdb.Open(cfg, zm)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ref, err := store.NewRef()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, arg := range opts.Positional.Tests {
		begin := time.Now()
		switch arg {
		case "put":
			runPut(store, ref, opts.Number)
		case "get":
			runGet(store, ref, opts.Number)
		case "del":
			runDel(store, ref, opts.Number)
		case "scan":
			runScan(store, ref)
		}
		fmt.Println(time.Since(begin), arg)
	}

	store.Unref(ref)
	if err := store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	stats := store.GatherStats(opts.ExtendedStats)
	fmt.Println(stats.String())
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("key-%09d", i))
}

func runPut(store *remixdb.Store, ref *remixdb.Ref, n int) {
	for i := 0; i < n; i++ {
		store.Put(ref, keyFor(i), []byte(fmt.Sprintf("value-%d", i)))
	}
}

func runGet(store *remixdb.Store, ref *remixdb.Ref, n int) {
	var missing int
	for i := 0; i < n; i++ {
		if _, ok, err := store.Get(ref, keyFor(i)); err != nil {
			panic(err)
		} else if !ok {
			missing++
		}
	}
	if missing > 0 {
		fmt.Println(missing, "MISSING")
	}
}

func runDel(store *remixdb.Store, ref *remixdb.Ref, n int) {
	for i := 0; i < n; i++ {
		store.Del(ref, keyFor(i))
	}
}

func runScan(store *remixdb.Store, ref *remixdb.Ref) {
	it := store.NewIterator(ref)
	it.Seek(nil)
	var count int
	for it.Valid() {
		count++
		it.Next()
	}
	it.Close()
	fmt.Println(count, "keys scanned")
}
