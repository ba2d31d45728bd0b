// File: app/options.go
// Author: momentics <momentics@gmail.com>
//
// CLI surface of a runtime application. Unknown options reject with
// exit code 2 and --help prints usage and exits 1, so parsing reports
// through errors instead of calling os.Exit itself.

package app

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Options collects everything the runtime consumes from the command
// line and the configuration files.
type Options struct {
	SMP           int
	CPUSet        string
	Memory        uint64
	ReserveMemory uint64
	Hugepages     string
	TaskQuotaMs   float64
	PollMode      bool
	NetworkStack  string
	MaxIORequests int
	NumIOQueues   int
}

// errHelp reports that --help was requested.
var errHelp = fmt.Errorf("help requested")

// parseOptions parses args (without the program name). set records
// which options the command line supplied, so config-file values only
// fill the gaps.
func parseOptions(name string, args []string, out io.Writer) (opts Options, set map[string]bool, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)

	var memory, reserve string
	fs.IntVar(&opts.SMP, "smp", 0, "number of shards (default: all CPUs)")
	fs.StringVar(&opts.CPUSet, "cpuset", "", "CPUs to pin shards to, e.g. 0-3,8")
	fs.StringVar(&memory, "memory", "", "memory to use, e.g. 4G")
	fs.StringVar(&reserve, "reserve-memory", "", "memory to leave to the OS, e.g. 1G")
	fs.StringVar(&opts.Hugepages, "hugepages", "", "path to the hugetlbfs mount")
	fs.Float64Var(&opts.TaskQuotaMs, "task-quota-ms", 0.5, "task queue drain slice, in milliseconds")
	fs.BoolVar(&opts.PollMode, "poll-mode", false, "busy-poll instead of sleeping when idle")
	fs.StringVar(&opts.NetworkStack, "network-stack", "posix", "network stack: posix|native")
	fs.IntVar(&opts.MaxIORequests, "max-io-requests", 0, "total outstanding disk requests")
	fs.IntVar(&opts.NumIOQueues, "num-io-queues", 0, "number of I/O coordinator shards")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return opts, nil, errHelp
		}
		return opts, nil, err
	}
	if fs.NArg() > 0 {
		return opts, nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if memory != "" {
		if opts.Memory, err = ParseSize(memory); err != nil {
			return opts, nil, err
		}
	}
	if reserve != "" {
		if opts.ReserveMemory, err = ParseSize(reserve); err != nil {
			return opts, nil, err
		}
	}
	switch opts.NetworkStack {
	case "posix", "native":
	default:
		return opts, nil, fmt.Errorf("unknown network stack %q", opts.NetworkStack)
	}

	set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set, nil
}

// ParseSize parses a byte count with an optional K/M/G/T suffix.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	suffix := strings.ToUpper(s[len(s)-1:])
	switch suffix {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return n * mult, nil
}
