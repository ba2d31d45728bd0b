package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestParseOptions(t *testing.T) {
	var out bytes.Buffer
	opts, set, err := parseOptions("testapp", []string{
		"--smp=4", "--cpuset", "0-3", "--memory=2G", "--task-quota-ms=0.25",
		"--poll-mode", "--max-io-requests=64", "--num-io-queues=2",
	}, &out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.SMP != 4 || opts.CPUSet != "0-3" || opts.Memory != 2<<30 {
		t.Fatalf("parsed %+v", opts)
	}
	if opts.TaskQuotaMs != 0.25 || !opts.PollMode {
		t.Fatalf("parsed %+v", opts)
	}
	if opts.MaxIORequests != 64 || opts.NumIOQueues != 2 {
		t.Fatalf("parsed %+v", opts)
	}
	if !set["smp"] || set["hugepages"] {
		t.Fatalf("set map %v", set)
	}
}

func TestUnknownOptionRejected(t *testing.T) {
	var out bytes.Buffer
	_, _, err := parseOptions("testapp", []string{"--no-such-option"}, &out)
	if err == nil || err == errHelp {
		t.Fatalf("unknown option accepted: %v", err)
	}
}

func TestHelpRequested(t *testing.T) {
	var out bytes.Buffer
	_, _, err := parseOptions("testapp", []string{"--help"}, &out)
	if err != errHelp {
		t.Fatalf("got %v, want help sentinel", err)
	}
	if out.Len() == 0 {
		t.Fatal("usage text not printed")
	}
}

func TestBadNetworkStackRejected(t *testing.T) {
	var out bytes.Buffer
	_, _, err := parseOptions("testapp", []string{"--network-stack=dpdk2"}, &out)
	if err == nil {
		t.Fatal("bad network stack accepted")
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"512":  512,
		"4K":   4 << 10,
		"16M":  16 << 20,
		"2G":   2 << 30,
		"1T":   1 << 40,
		"100k": 100 << 10,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Fatalf("ParseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseSize("12Q"); err == nil {
		t.Fatal("bad suffix accepted")
	}
}

func TestIOTuneKeyValueForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "io.conf")
	os.WriteFile(path, []byte("max-io-requests=96\nnum-io-queues=3\n"), 0o644)
	s, err := ParseIOTuneConf(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.MaxIORequests != 96 || s.NumIOQueues != 3 {
		t.Fatalf("parsed %+v", s)
	}
}

func TestIOTuneShellFragmentForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "io.conf")
	os.WriteFile(path, []byte(`TESTAPP_IO="--max-io-requests=128 --num-io-queues=4"`+"\n"), 0o644)
	s, err := ParseIOTuneConf(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.MaxIORequests != 128 || s.NumIOQueues != 4 {
		t.Fatalf("parsed %+v", s)
	}
}

func TestIOTuneMissingFileIsFine(t *testing.T) {
	s, err := ParseIOTuneConf(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil || s.MaxIORequests != 0 {
		t.Fatalf("missing file: %+v, %v", s, err)
	}
}

func TestIOTuneUnknownKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "io.conf")
	os.WriteFile(path, []byte("max-requests=7\n"), 0o644)
	if _, err := ParseIOTuneConf(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}
