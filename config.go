package remixdb

import (
	"log"
	"os"
	"runtime"
	"strconv"

	"github.com/gholt/ring"
)

// LogFunc matches package.go's logging hook shape so Store can be wired to
// whatever logging a caller already has in place.
type LogFunc func(format string, v ...interface{})

// Config configures Open. The zero value is not meant to be used directly;
// call NewConfig and adjust, the way NewValuesStoreOpts is meant to be used
// in the teacher.
type Config struct {
	// Dir is the directory the WAL files and zone-owned files live in.
	Dir string
	// CacheMB sizes the zone manager's block cache.
	CacheMB int
	// MemtableMB is the byte-size cap that triggers compaction (spec.md §2).
	MemtableMB int
	// WALMB is the byte-size cap on the current WAL file that also
	// triggers compaction.
	WALMB int
	// CompactKeys requests key-only compaction mode from the zone manager.
	CompactKeys bool
	// Tags enables the zone manager's tagging feature.
	Tags bool
	// Workers is the number of zone-manager compaction workers.
	Workers int
	// CoPerWorker is the number of coroutines per compaction worker.
	CoPerWorker int
	// WorkerCPUs pins compaction workers to specific CPUs, one entry per
	// worker; nil/empty leaves scheduling to the Go runtime.
	WorkerCPUs []int

	// QSBRShards/QSBRShardCapacity tune the C1 reclamation table; 0 means
	// use qsbr's own defaults.
	QSBRShards        int
	QSBRShardCapacity int

	// LeafFanout is not read by Open or any other code: leaves always hold
	// up to memindex.KPN (128) records, whatever value is set here.
	LeafFanout int

	// MaxRejectBytes bounds how many accumulated bytes a single zone
	// partition may carry before the zone manager rejects it back to the
	// orchestrator for reinsertion (spec.md §4.5 step 5's max_reject). 0
	// disables rejection entirely, the same value recovery always uses
	// (spec.md §4.8: "so nothing comes back rejected into a WAL about to
	// be truncated").
	MaxRejectBytes uint64

	// Topology is the same cluster-membership handle the teacher stores as
	// Config.MsgRing, but this core does no replication: no message types
	// are registered against it and no partition is ever routed. The only
	// consumer is GatherStats, which reads Topology.Ring().Version() and
	// .ReplicaCount() for an operator to see which ring generation this
	// node last observed, the way grouppullreplication_GEN_.go reads
	// vs.msgRing.Ring() before acting on it. nil disables that reporting.
	Topology ring.MsgRing

	LogCritical LogFunc
	LogError    LogFunc
	LogWarning  LogFunc
	LogInfo     LogFunc
	LogDebug    LogFunc
}

// NewConfig returns a Config with every field defaulted, optionally seeded
// from REMIXDB_* environment variables the way NewValuesStoreOpts seeds
// from BRIMSTORE_VALUESSTORE_*.
func NewConfig() *Config {
	c := &Config{}
	if v := envInt("REMIXDB_CACHE_MB"); v > 0 {
		c.CacheMB = v
	}
	if v := envInt("REMIXDB_MEMTABLE_MB"); v > 0 {
		c.MemtableMB = v
	}
	if v := envInt("REMIXDB_WAL_MB"); v > 0 {
		c.WALMB = v
	}
	if v := envInt("REMIXDB_WORKERS"); v > 0 {
		c.Workers = v
	}
	if v := envInt("REMIXDB_CO_PER_WORKER"); v > 0 {
		c.CoPerWorker = v
	}
	return resolveConfig(c)
}

func envInt(name string) int {
	if env := os.Getenv(name); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return 0
}

// resolveConfig fills in defaults for any field left at its zero value,
// mirroring NewValuesStoreOpts' "if <= 0, use the default" style.
func resolveConfig(c *Config) *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.CacheMB <= 0 {
		c.CacheMB = 64
	}
	if c.MemtableMB <= 0 {
		c.MemtableMB = 64
	}
	if c.WALMB <= 0 {
		c.WALMB = 64
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.CoPerWorker <= 0 {
		c.CoPerWorker = 4
	}
	if c.LogCritical == nil {
		c.LogCritical = func(format string, v ...interface{}) { log.Printf("CRITICAL: "+format, v...) }
	}
	if c.LogError == nil {
		c.LogError = func(format string, v ...interface{}) { log.Printf("ERROR: "+format, v...) }
	}
	if c.LogWarning == nil {
		c.LogWarning = func(format string, v ...interface{}) { log.Printf("WARNING: "+format, v...) }
	}
	if c.LogInfo == nil {
		c.LogInfo = func(format string, v ...interface{}) {}
	}
	if c.LogDebug == nil {
		c.LogDebug = func(format string, v ...interface{}) {}
	}
	return c
}

// OpenCompactConfig returns the preset spec.md §6 names for open_compact:
// CompactKeys=true, Tags=false.
func OpenCompactConfig(dir string, cacheMB, memtableMB int) *Config {
	c := NewConfig()
	c.Dir = dir
	c.CacheMB = cacheMB
	c.MemtableMB = memtableMB
	c.CompactKeys = true
	c.Tags = false
	return resolveConfig(c)
}
