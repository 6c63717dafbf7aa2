// Command bench drives a synthetic submission workload through the residency
// handler over the simulated driver and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/residency/config"
	"github.com/IvanBrykalov/residency/kmd/sim"
	"github.com/IvanBrykalov/residency/kmd/trace"
	pmet "github.com/IvanBrykalov/residency/metrics/prom"
	"github.com/IvanBrykalov/residency/residency"
)

var log *logrus.Logger

// counters aggregated across workers.
type counters struct {
	submissions, success, oom, failed atomic.Uint64
	evicts, notFound, frees, trims    atomic.Uint64
}

func main() {
	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	// ---- Flags ----
	var (
		configFile  = flag.String("config", "", "YAML configuration file")
		workers     = flag.Int("workers", 0, "number of submitting goroutines (0 = from config)")
		duration    = flag.Duration("duration", 0, "benchmark duration (0 = from config)")
		budget      = flag.String("budget", "", "paging budget, e.g. 256MiB (empty = from config)")
		noEvict     = flag.Bool("no-evict", false, "disable evict-and-retry on residency failure")
		traceDriver = flag.Bool("trace", false, "log every kernel call (residency logger)")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		metricsAddr = flag.String("http", "", "serve Prometheus metrics at addr (empty = from config)")
		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = from config")
		verbose     = flag.Bool("v", false, "verbose output")
		veryVerbose = flag.Bool("vv", false, "very verbose output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		log.Debugf("read configuration from %q", *configFile)
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("%v", err)
		}
	}
	applyFlags(cfg, *workers, *duration, *budget, *noEvict, *metricsAddr, *pprofAddr)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.SetLevel(cfg.Level())
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if *veryVerbose {
		log.SetLevel(logrus.TraceLevel)
	}

	// ---- pprof server (on DefaultServeMux) ----
	if addr := cfg.Metrics.PprofAddr; addr != "" {
		go func() {
			log.Infof("pprof: serving at %s", addr)
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "residency", "bench", nil)
	if addr := cfg.Metrics.Addr; addr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infof("metrics: serving at %s", addr)
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}

	// ---- Build driver + handler ----
	drv, err := sim.New(sim.Options{
		Budget:          uint64(cfg.Driver.Budget),
		PageSize:        uint64(cfg.Driver.PageSize),
		PagingBandwidth: uint64(cfg.Driver.PagingBandwidth),
		Logger:          log,
	})
	if err != nil {
		log.Fatalf("failed to create driver: %v", err)
	}
	defer func() { _ = drv.Close() }()

	var kmd residency.Driver = drv
	var traced *trace.Driver
	if *traceDriver {
		traced = trace.Wrap(drv, log)
		kmd = traced
	}

	h := residency.New(kmd, residency.Options{
		EvictionOnMakeResidentAllowed: cfg.Handler.EvictionOnMakeResidentAllowed,
		Logger:                        log,
		Metrics:                       metrics,
	})

	// ---- Allocations: each worker owns a disjoint stride ----
	r := rand.New(rand.NewSource(*seed))
	allocs := makeAllocations(r, drv, cfg.Workload)
	w := cfg.Workload

	// ---- Load generation ----
	var st counters
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(w.Duration))
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < w.Workers; id++ {
		var owned []*residency.Allocation
		for i := id; i < len(allocs); i += w.Workers {
			owned = append(owned, allocs[i])
		}
		localR := rand.New(rand.NewSource(*seed + int64(id)*9973))
		g.Go(func() error {
			submit(ctx, h, drv, localR, owned, w, &st)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if err := h.Close(); err != nil {
		log.Errorf("final eviction: %v", err)
	}

	// ---- Report ----
	ds := drv.Stats()
	subs := st.submissions.Load()
	fmt.Printf("budget=%s workers=%d allocations=%d dur=%v seed=%d evict-on-fail=%v\n",
		humanize.IBytes(ds.Budget), w.Workers, len(allocs), elapsed, *seed,
		cfg.Handler.EvictionOnMakeResidentAllowed)
	fmt.Printf("submissions=%s (%.0f/s)  success=%s  oom=%s  failed=%s\n",
		humanize.Comma(int64(subs)), float64(subs)/elapsed.Seconds(),
		humanize.Comma(int64(st.success.Load())), humanize.Comma(int64(st.oom.Load())),
		humanize.Comma(int64(st.failed.Load())))
	fmt.Printf("evicts=%s  not-found=%s  frees=%s  external-trims=%s\n",
		humanize.Comma(int64(st.evicts.Load())), humanize.Comma(int64(st.notFound.Load())),
		humanize.Comma(int64(st.frees.Load())), humanize.Comma(int64(st.trims.Load())))
	fmt.Printf("kernel: make-resident=%d rejected=%d evict=%d fence-waits=%d fence=%d/%d used=%s\n",
		ds.MakeResidentCalls, ds.Rejections, ds.EvictCalls, ds.FenceWaits,
		ds.CompletedFence, ds.CurrentFence, humanize.IBytes(ds.Used))
	if traced != nil {
		c := traced.Counters()
		fmt.Printf("trace: make-resident=%d (failed %d) evict=%d fence-wait=%v\n",
			c.MakeResident, c.MakeResidentFail, c.Evict, c.FenceWaitTime)
	}
	if st.failed.Load() > 0 {
		os.Exit(1)
	}
}

// applyFlags overrides configuration values with non-zero flags.
func applyFlags(cfg *config.Config, workers int, duration time.Duration, budget string, noEvict bool, metricsAddr, pprofAddr string) {
	if workers > 0 {
		cfg.Workload.Workers = workers
	}
	if duration > 0 {
		cfg.Workload.Duration = config.Duration(duration)
	}
	if budget != "" {
		v, err := humanize.ParseBytes(budget)
		if err != nil {
			log.Fatalf("invalid -budget %q: %v", budget, err)
		}
		cfg.Driver.Budget = config.Size(v)
	}
	if noEvict {
		cfg.Handler.EvictionOnMakeResidentAllowed = false
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if pprofAddr != "" {
		cfg.Metrics.PprofAddr = pprofAddr
	}
}

// makeAllocations creates the allocation pool, registering every backing
// resource with the driver.
func makeAllocations(r *rand.Rand, drv *sim.Driver, w config.Workload) []*residency.Allocation {
	out := make([]*residency.Allocation, 0, w.Allocations)
	span := uint64(w.MaxSize - w.MinSize)
	for i := 0; i < w.Allocations; i++ {
		size := uint64(w.MinSize)
		if span > 0 {
			size += uint64(r.Int63n(int64(span) + 1))
		}
		if r.Intn(100) < w.FragmentedPercent {
			n := 1 + r.Intn(w.MaxFragments)
			frags := make([]residency.Handle, n)
			for j := range frags {
				frags[j] = drv.CreateResource(size / uint64(n))
			}
			out = append(out, residency.NewFragmentedAllocation(size, frags...))
			continue
		}
		out = append(out, residency.NewAllocation(size, drv.CreateResource(size)))
	}
	return out
}

// submit emulates a command submission path: make a batch resident, then
// evict or free part of the working set.
func submit(ctx context.Context, h residency.OperationsHandler, drv *sim.Driver, r *rand.Rand,
	owned []*residency.Allocation, w config.Workload, st *counters) {
	if len(owned) == 0 {
		return
	}
	dev := &residency.Device{}
	batch := make([]*residency.Allocation, 0, w.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.Intn(100) < w.PressurePercent {
			drv.Trim(uint64(w.MaxSize))
			st.trims.Add(1)
		}

		batch = batch[:0]
		for i := 0; i < w.BatchSize; i++ {
			batch = append(batch, owned[r.Intn(len(owned))])
		}
		st.submissions.Add(1)
		switch h.MakeResident(dev, dedupe(batch), false, false) {
		case residency.Success:
			st.success.Add(1)
		case residency.OutOfMemory:
			st.oom.Add(1)
		default:
			st.failed.Add(1)
		}

		a := owned[r.Intn(len(owned))]
		switch r.Intn(4) {
		case 0:
			st.frees.Add(1)
			h.Free(dev, a)
		case 1:
			st.evicts.Add(1)
			if h.Evict(dev, a) == residency.MemoryNotFound {
				st.notFound.Add(1)
			}
		}
	}
}

// dedupe drops repeated allocations from a batch, keeping first occurrences.
func dedupe(batch []*residency.Allocation) []*residency.Allocation {
	seen := make(map[*residency.Allocation]struct{}, len(batch))
	out := batch[:0]
	for _, a := range batch {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
