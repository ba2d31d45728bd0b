//go:build linux

package file_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/momentics/hioload-runtime/file"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
)

// runShard drives one reactor with strict DMA off so the tests survive
// filesystems that reject O_DIRECT (tmpfs, overlayfs).
func runShard(t *testing.T, main func(r *reactor.Reactor) *future.Future[int]) int {
	t.Helper()
	r, err := reactor.New(reactor.Config{ID: 0})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	r.SetStrictDMA(false)
	code := r.Run(main)
	r.Close()
	return code
}

func fail[T any](r *reactor.Reactor, err error) *future.Future[T] {
	return future.Failed[T](r, err)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.tmp")
	var got []byte
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		wrote := future.Then(file.OpenDMA(r, path, file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[future.Unit] {
			buf := f.AllocateAligned(4096)
			for i := range buf {
				buf[i] = 0xA5
			}
			return future.Then(f.WriteDMA(0, buf), func(n int) *future.Future[future.Unit] {
				if n != 4096 {
					return fail[future.Unit](r, errShort(n))
				}
				return future.Then(f.Flush(), func(future.Unit) *future.Future[future.Unit] {
					return f.Close()
				})
			})
		})
		return future.Then(wrote, func(future.Unit) *future.Future[int] {
			return future.Then(file.OpenDMA(r, path, file.RO, file.Options{}), func(f *file.File) *future.Future[int] {
				buf := f.AllocateAligned(4096)
				return future.Then(f.ReadDMA(0, buf), func(n int) *future.Future[int] {
					got = append([]byte(nil), buf[:n]...)
					return future.Map(f.Close(), func(future.Unit) (int, error) { return 0, nil })
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if len(got) != 4096 {
		t.Fatalf("read %d bytes, want 4096", len(got))
	}
	for i, b := range got {
		if b != 0xA5 {
			t.Fatalf("byte %d is %#x, want 0xA5", i, b)
		}
	}
}

func TestUnalignedTailFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.tmp")
	payload := []byte("forty bytes of payload, give or take....")
	if len(payload) != 40 {
		t.Fatalf("payload is %d bytes", len(payload))
	}
	var size uint64
	var got []byte
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		wrote := future.Then(file.OpenDMA(r, path, file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[future.Unit] {
			out := file.NewOutputStream(f, file.OutputStreamOptions{})
			return future.Then(out.Write(payload), func(future.Unit) *future.Future[future.Unit] {
				return future.Then(out.Flush(), func(future.Unit) *future.Future[future.Unit] {
					return f.Close()
				})
			})
		})
		return future.Then(wrote, func(future.Unit) *future.Future[int] {
			return future.Then(file.OpenDMA(r, path, file.RO, file.Options{}), func(f *file.File) *future.Future[int] {
				return future.Then(f.Size(), func(sz uint64) *future.Future[int] {
					size = sz
					return future.Then(f.DMAReadAuto(0, 40), func(buf []byte) *future.Future[int] {
						got = append([]byte(nil), buf...)
						return future.Map(f.Close(), func(future.Unit) (int, error) { return 0, nil })
					})
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if size != 40 {
		t.Fatalf("size %d, want exactly 40", size)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestBulkReadTrimsToRequestedWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.tmp")
	var got []byte
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Then(file.OpenDMA(r, path, file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[int] {
			buf := f.AllocateAligned(8192)
			for i := range buf {
				buf[i] = byte(i % 251)
			}
			return future.Then(f.WriteDMA(0, buf), func(int) *future.Future[int] {
				// Unaligned offset and length: the bulk layer hides both.
				return future.Then(f.DMAReadBulk(100, 200), func(b []byte) *future.Future[int] {
					got = append([]byte(nil), b...)
					return future.Map(f.Close(), func(future.Unit) (int, error) { return 0, nil })
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if len(got) < 200 {
		t.Fatalf("bulk read returned %d bytes, want at least 200", len(got))
	}
	for i := 0; i < 200; i++ {
		if got[i] != byte((100+i)%251) {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestReadPastEOFReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eof.tmp")
	var got []byte
	gotSet := false
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		return future.Then(file.OpenDMA(r, path, file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[int] {
			buf := f.AllocateAligned(4096)
			return future.Then(f.WriteDMA(0, buf), func(int) *future.Future[int] {
				return future.Then(f.DMAReadBulk(1<<20, 512), func(b []byte) *future.Future[int] {
					got, gotSet = b, true
					return future.Map(f.Close(), func(future.Unit) (int, error) { return 0, nil })
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !gotSet || len(got) != 0 {
		t.Fatalf("read past EOF returned %d bytes, want empty", len(got))
	}
}

func TestInputStreamDeliversWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.tmp")
	const total = 20000
	var collected []byte
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		wrote := future.Then(file.OpenDMA(r, path, file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[future.Unit] {
			out := file.NewOutputStream(f, file.OutputStreamOptions{})
			data := make([]byte, total)
			for i := range data {
				data[i] = byte(i % 17)
			}
			return future.Then(out.Write(data), func(future.Unit) *future.Future[future.Unit] {
				return future.Then(out.Flush(), func(future.Unit) *future.Future[future.Unit] {
					return f.Close()
				})
			})
		})
		return future.Then(wrote, func(future.Unit) *future.Future[int] {
			return future.Then(file.OpenDMA(r, path, file.RO, file.Options{}), func(f *file.File) *future.Future[int] {
				in := file.NewInputStream(f, 0, total, file.InputStreamOptions{})
				drained := future.Repeat(r, func() *future.Future[bool] {
					return future.Map(in.Get(), func(chunk []byte) (bool, error) {
						if len(chunk) == 0 {
							return true, nil
						}
						collected = append(collected, chunk...)
						return false, nil
					})
				})
				return future.Then(drained, func(future.Unit) *future.Future[int] {
					return future.Map(f.Close(), func(future.Unit) (int, error) { return 0, nil })
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if len(collected) != total {
		t.Fatalf("streamed %d bytes, want %d", len(collected), total)
	}
	for i, b := range collected {
		if b != byte(i%17) {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestListDirectorySkipsDotEntries(t *testing.T) {
	dir := t.TempDir()
	var names []string
	code := runShard(t, func(r *reactor.Reactor) *future.Future[int] {
		setup := future.Then(file.OpenDMA(r, filepath.Join(dir, "a.dat"), file.RW|file.Create, file.Options{}), func(f *file.File) *future.Future[future.Unit] {
			return f.Close()
		})
		return future.Then(setup, func(future.Unit) *future.Future[int] {
			return future.Then(file.MakeDirectory(r, filepath.Join(dir, "sub")), func(future.Unit) *future.Future[int] {
				return future.Then(file.OpenDirectory(r, dir), func(d *file.File) *future.Future[int] {
					listed := d.ListDirectory(func(de file.DirectoryEntry) *future.Future[future.Unit] {
						names = append(names, de.Name)
						return future.Done(r)
					})
					return future.Then(listed, func(future.Unit) *future.Future[int] {
						return future.Map(d.Close(), func(future.Unit) (int, error) { return 0, nil })
					})
				})
			})
		})
	})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	seen := map[string]bool{}
	for _, n := range names {
		if n == "." || n == ".." {
			t.Fatalf("dot entry %q delivered", n)
		}
		seen[n] = true
	}
	if !seen["a.dat"] || !seen["sub"] {
		t.Fatalf("listing %v missing entries", names)
	}
}

type errShort int

func (e errShort) Error() string { return "short write" }
