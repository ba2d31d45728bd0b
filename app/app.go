// File: app/app.go
// Author: momentics <momentics@gmail.com>
//
// Application template: option parsing, configuration files, fabric
// configuration and the run-to-exit-code contract. SIGINT/SIGTERM
// arrive through shard 0's signal handling and turn into a graceful
// stop of every shard.

package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/momentics/hioload-runtime/affinity"
	"github.com/momentics/hioload-runtime/control"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
	"github.com/momentics/hioload-runtime/smp"
)

// configKeys are the recognized app.conf keys; anything else fails the
// load.
var configKeys = []string{
	"smp", "cpuset", "memory", "reserve-memory", "hugepages",
	"task-quota-ms", "poll-mode", "network-stack",
	"max-io-requests", "num-io-queues",
}

// Template assembles one runtime application.
type Template struct {
	name    string
	metrics *control.MetricsRegistry
}

// New creates an application template. name selects the configuration
// directory $HOME/.config/<name>/.
func New(name string) *Template {
	return &Template{
		name:    name,
		metrics: control.NewMetricsRegistry(),
	}
}

// Metrics returns the registry shards publish their counters into.
func (t *Template) Metrics() *control.MetricsRegistry { return t.metrics }

// Run parses args, configures the fabric and drives main on shard 0.
// It returns the process exit code: the application's own value on
// success, 1 on a failed main or bad configuration, 2 on a rejected
// command line.
func (t *Template) Run(args []string, main func(r *reactor.Reactor) *future.Future[int]) int {
	opts, set, err := parseOptions(t.name, args, os.Stderr)
	if err == errHelp {
		return 1
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := t.applyConfigFiles(&opts, set); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := t.fabricConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fabric, err := smp.Configure(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	code := fabric.Run(main)
	// Every shard has joined; counters are quiescent now.
	t.publishStats(fabric)
	return code
}

// applyConfigFiles loads app.conf and io.conf; command-line options win
// over file values.
func (t *Template) applyConfigFiles(opts *Options, set map[string]bool) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil // no home, no config files
	}
	dir := filepath.Join(home, ".config", t.name)

	cs := control.NewConfigStore(configKeys)
	if err := cs.LoadFile(filepath.Join(dir, "app.conf")); err != nil {
		return err
	}
	for key, val := range cs.Snapshot() {
		if set[key] {
			continue
		}
		if err := applyKey(opts, key, val); err != nil {
			return err
		}
	}

	iotune, err := ParseIOTuneConf(filepath.Join(dir, "io.conf"))
	if err != nil {
		return err
	}
	if iotune.MaxIORequests != 0 && !set["max-io-requests"] {
		opts.MaxIORequests = iotune.MaxIORequests
	}
	if iotune.NumIOQueues != 0 && !set["num-io-queues"] {
		opts.NumIOQueues = iotune.NumIOQueues
	}
	return nil
}

func applyKey(opts *Options, key, val string) error {
	var err error
	switch key {
	case "smp":
		opts.SMP, err = strconv.Atoi(val)
	case "cpuset":
		opts.CPUSet = val
	case "memory":
		opts.Memory, err = ParseSize(val)
	case "reserve-memory":
		opts.ReserveMemory, err = ParseSize(val)
	case "hugepages":
		opts.Hugepages = val
	case "task-quota-ms":
		opts.TaskQuotaMs, err = strconv.ParseFloat(val, 64)
	case "poll-mode":
		opts.PollMode, err = strconv.ParseBool(val)
	case "network-stack":
		opts.NetworkStack = val
	case "max-io-requests":
		opts.MaxIORequests, err = strconv.Atoi(val)
	case "num-io-queues":
		opts.NumIOQueues, err = strconv.Atoi(val)
	}
	if err != nil {
		return fmt.Errorf("configuration key %s: bad value %q", key, val)
	}
	return nil
}

func (t *Template) fabricConfig(opts Options) (smp.Config, error) {
	cfg := smp.Config{
		Shards:        opts.SMP,
		PollMode:      opts.PollMode,
		TaskQuota:     time.Duration(opts.TaskQuotaMs * float64(time.Millisecond)),
		MaxIORequests: opts.MaxIORequests,
		NumIOQueues:   opts.NumIOQueues,
	}
	if opts.CPUSet != "" {
		cpus, err := affinity.ParseCPUSet(opts.CPUSet)
		if err != nil {
			return cfg, err
		}
		cfg.CPUs = cpus
		if cfg.Shards == 0 || cfg.Shards > len(cpus) {
			cfg.Shards = len(cpus)
		}
	}
	if cfg.Shards == 0 {
		cfg.Shards = runtime.NumCPU()
	}
	if opts.Hugepages != "" {
		if _, err := os.Stat(opts.Hugepages); err != nil {
			log.Printf("app: hugepages path %s not usable: %v", opts.Hugepages, err)
		}
	}
	return cfg, nil
}

func (t *Template) publishStats(fabric *smp.Fabric) {
	for i := 0; i < fabric.Count(); i++ {
		st := fabric.Reactor(i).Stats()
		prefix := fmt.Sprintf("shard%d.", i)
		t.metrics.Set(prefix+"tasks", st.TasksProcessed)
		t.metrics.Set(prefix+"polls", st.Polls)
		t.metrics.Set(prefix+"sleeps", st.Sleeps)
		t.metrics.Set(prefix+"aio_reads", st.AIOReads)
		t.metrics.Set(prefix+"aio_read_bytes", st.AIOReadBytes)
		t.metrics.Set(prefix+"aio_writes", st.AIOWrites)
		t.metrics.Set(prefix+"aio_write_bytes", st.AIOWriteBytes)
		t.metrics.Set(prefix+"fsyncs", st.Fsyncs)
		t.metrics.Set(prefix+"syscall_fallbacks", st.Fallbacks)
	}
	for to := 0; to < fabric.Count(); to++ {
		for from := 0; from < fabric.Count(); from++ {
			if to == from {
				continue
			}
			sent, compl, queued := fabric.Queue(to, from).Stats()
			key := fmt.Sprintf("smp.%d_to_%d.", from, to)
			t.metrics.Set(key+"sent", sent)
			t.metrics.Set(key+"compl", compl)
			t.metrics.Set(key+"queue_length", queued)
		}
	}
}
