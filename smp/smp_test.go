//go:build linux

package smp_test

import (
	"fmt"
	"testing"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
	"github.com/momentics/hioload-runtime/smp"
)

func runFabric(t *testing.T, shards int, main func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int]) int {
	t.Helper()
	f, err := smp.Configure(smp.Config{Shards: shards})
	if err != nil {
		t.Fatalf("smp.Configure: %v", err)
	}
	return f.Run(func(r *reactor.Reactor) *future.Future[int] {
		return main(f, r)
	})
}

func TestSubmitToRunsOnTargetShard(t *testing.T) {
	got := -1
	code := runFabric(t, 2, func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int] {
		return future.Map(smp.SubmitTo(f, r, 1, func(peer *reactor.Reactor) *future.Future[int] {
			return future.Ready(peer, peer.ID())
		}), func(v int) (int, error) {
			got = v
			return 0, nil
		})
	})
	if code != 0 || got != 1 {
		t.Fatalf("code=%d got=%d, want shard 1", code, got)
	}
}

func TestMapReduceCPUIDSquared(t *testing.T) {
	const n = 4
	got := -1
	runFabric(t, n, func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int] {
		return future.Map(smp.MapReduce(f, r, 0,
			func(peer *reactor.Reactor) *future.Future[int] {
				id := peer.ID()
				return future.Ready(peer, id*id)
			},
			func(acc, v int) int { return acc + v },
		), func(sum int) (int, error) {
			got = sum
			return 0, nil
		})
	})
	want := (n - 1) * n * (2*n - 1) / 6
	if got != want {
		t.Fatalf("map-reduce sum %d, want %d", got, want)
	}
}

func TestInvokeOnAllSurfacesFailure(t *testing.T) {
	ran := make([]bool, 3)
	var failure error
	runFabric(t, 3, func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int] {
		agg := smp.InvokeOnAll(f, r, func(peer *reactor.Reactor) *future.Future[future.Unit] {
			ran[peer.ID()] = true
			if peer.ID() == 1 {
				return future.Failed[future.Unit](peer, fmt.Errorf("shard 1 refuses"))
			}
			return future.Done(peer)
		})
		return future.ThenWrapped(agg, func(res api.Result[future.Unit]) *future.Future[int] {
			failure = res.Err
			return future.Ready(r, 0)
		})
	})
	for i, b := range ran {
		if !b {
			t.Fatalf("shard %d never ran", i)
		}
	}
	if failure == nil {
		t.Fatal("aggregate future hid the failure")
	}
}

// TestEchoOrderPreserved drives the SMP echo scenario: every request
// from shard 0 to shard 1 must come back, in issue order. A submission
// window keeps the pair queue inside its spill budget.
func TestEchoOrderPreserved(t *testing.T) {
	const total = 100000
	const window = 512
	nextExpected := 0
	runFabric(t, 2, func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int] {
		pr := future.NewPromise[int](r)
		inflight := 0
		issued := 0
		var pump func()
		pump = func() {
			for inflight < window && issued < total {
				seq := issued
				issued++
				inflight++
				future.Consume(smp.SubmitTo(f, r, 1, func(peer *reactor.Reactor) *future.Future[int] {
					return future.Ready(peer, seq)
				}), func(res api.Result[int]) {
					inflight--
					if res.Err != nil {
						t.Errorf("echo %d failed: %v", seq, res.Err)
					} else if res.Value != nextExpected {
						t.Errorf("echo out of order: got %d, want %d", res.Value, nextExpected)
					}
					nextExpected++
					if nextExpected == total {
						pr.SetValue(0)
						return
					}
					pump()
				})
			}
		}
		pump()
		return pr.Future()
	})
	if nextExpected != total {
		t.Fatalf("completed %d echoes, want %d", nextExpected, total)
	}
}

func TestQueueStats(t *testing.T) {
	code := runFabric(t, 2, func(f *smp.Fabric, r *reactor.Reactor) *future.Future[int] {
		return future.Map(smp.SubmitTo(f, r, 1, func(peer *reactor.Reactor) *future.Future[int] {
			return future.Ready(peer, 0)
		}), func(int) (int, error) {
			sent, compl, queued := f.Queue(1, 0).Stats()
			if sent != 1 || compl != 1 || queued != 0 {
				return 1, fmt.Errorf("stats sent=%d compl=%d queued=%d", sent, compl, queued)
			}
			return 0, nil
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
}
