//go:build linux

// File: file/fs.go
// Author: momentics <momentics@gmail.com>
//
// Filesystem operations beyond a single open file: directory listing
// and streaming, metadata probes, rename/remove/link, and the
// filesystem-type probe. Everything funnels through the shard's
// blocking-syscall work queue.

package file

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/reactor"
)

// DirectoryEntryType classifies a directory entry when the filesystem
// reports one.
type DirectoryEntryType uint8

const (
	EntryUnknown DirectoryEntryType = iota
	EntryBlockDevice
	EntryCharDevice
	EntryDirectory
	EntryFIFO
	EntryLink
	EntryRegular
	EntrySocket
)

// DirectoryEntry is one listed name. "." and ".." are never delivered.
type DirectoryEntry struct {
	Name string
	// Type is EntryUnknown when the filesystem does not report types.
	Type DirectoryEntryType
}

// FSType identifies the filesystem backing a path.
type FSType uint8

const (
	FSOther FSType = iota
	FSXFS
	FSExt2
	FSExt3
	FSExt4
	FSBtrfs
	FSHFS
	FSTmpfs
)

// OpenDirectory opens a directory for listing.
func OpenDirectory(r *reactor.Reactor, name string) *future.Future[*File] {
	return future.Map(reactor.SubmitBlocking(r, func() (int, error) {
		fd, err := unix.Open(name, unix.O_DIRECTORY|unix.O_CLOEXEC|unix.O_RDONLY, 0)
		return fd, wrapErrno(err, "open directory "+name)
	}), func(fd int) (*File, error) {
		return &File{r: r, fd: fd, memDMAAlign: 4096, diskReadAlign: 4096, diskWriteAlign: 4096}, nil
	})
}

// ListDirectory streams entries to next, one at a time, in directory
// order. The returned future resolves when the listing is exhausted or
// next fails.
func (f *File) ListDirectory(next func(DirectoryEntry) *future.Future[future.Unit]) *future.Future[future.Unit] {
	fd := f.fd
	var pending []DirectoryEntry
	return future.Repeat(f.r, func() *future.Future[bool] {
		if len(pending) > 0 {
			de := pending[0]
			pending = pending[1:]
			return future.Map(next(de), func(future.Unit) (bool, error) {
				return false, nil
			})
		}
		return future.Map(reactor.SubmitBlocking(f.r, func() ([]DirectoryEntry, error) {
			buf := make([]byte, 8192)
			n, err := unix.Getdents(fd, buf)
			if err != nil {
				return nil, wrapErrno(err, "getdents")
			}
			return parseDirents(buf[:n]), nil
		}), func(batch []DirectoryEntry) (bool, error) {
			if len(batch) == 0 {
				return true, nil
			}
			pending = batch
			return false, nil
		})
	})
}

// parseDirents decodes linux_dirent64 records, skipping "." and "..".
func parseDirents(buf []byte) []DirectoryEntry {
	var out []DirectoryEntry
	for len(buf) >= 19 {
		reclen := int(uint16(buf[16]) | uint16(buf[17])<<8)
		if reclen < 19 || reclen > len(buf) {
			break
		}
		typ := buf[18]
		name := buf[19:reclen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		buf = buf[reclen:]
		if string(name) == "." || string(name) == ".." {
			continue
		}
		out = append(out, DirectoryEntry{Name: string(name), Type: direntType(typ)})
	}
	return out
}

func direntType(t byte) DirectoryEntryType {
	switch t {
	case unix.DT_BLK:
		return EntryBlockDevice
	case unix.DT_CHR:
		return EntryCharDevice
	case unix.DT_DIR:
		return EntryDirectory
	case unix.DT_FIFO:
		return EntryFIFO
	case unix.DT_LNK:
		return EntryLink
	case unix.DT_REG:
		return EntryRegular
	case unix.DT_SOCK:
		return EntrySocket
	default:
		return EntryUnknown
	}
}

// MakeDirectory creates a directory.
func MakeDirectory(r *reactor.Reactor, name string) *future.Future[future.Unit] {
	return blockingUnit(r, "mkdir "+name, func() error { return unix.Mkdir(name, 0o777) })
}

// TouchDirectory creates a directory unless it already exists.
func TouchDirectory(r *reactor.Reactor, name string) *future.Future[future.Unit] {
	return blockingUnit(r, "mkdir "+name, func() error {
		err := unix.Mkdir(name, 0o777)
		if err == unix.EEXIST {
			return nil
		}
		return err
	})
}

// FileExists reports whether a path resolves.
func FileExists(r *reactor.Reactor, name string) *future.Future[bool] {
	return reactor.SubmitBlocking(r, func() (bool, error) {
		var st unix.Stat_t
		err := unix.Stat(name, &st)
		if err == unix.ENOENT {
			return false, nil
		}
		return err == nil, wrapErrno(err, "stat "+name)
	})
}

// FileSize returns a path's length in bytes.
func FileSize(r *reactor.Reactor, name string) *future.Future[uint64] {
	return reactor.SubmitBlocking(r, func() (uint64, error) {
		var st unix.Stat_t
		err := unix.Stat(name, &st)
		return uint64(st.Size), wrapErrno(err, "stat "+name)
	})
}

// FileType returns the entry type of a path, EntryUnknown with a nil
// error never occurs: missing paths fail.
func FileType(r *reactor.Reactor, name string) *future.Future[DirectoryEntryType] {
	return reactor.SubmitBlocking(r, func() (DirectoryEntryType, error) {
		var st unix.Stat_t
		if err := unix.Stat(name, &st); err != nil {
			return EntryUnknown, wrapErrno(err, "stat "+name)
		}
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFBLK:
			return EntryBlockDevice, nil
		case unix.S_IFCHR:
			return EntryCharDevice, nil
		case unix.S_IFDIR:
			return EntryDirectory, nil
		case unix.S_IFIFO:
			return EntryFIFO, nil
		case unix.S_IFLNK:
			return EntryLink, nil
		case unix.S_IFSOCK:
			return EntrySocket, nil
		default:
			return EntryRegular, nil
		}
	})
}

// RemoveFile unlinks a path.
func RemoveFile(r *reactor.Reactor, name string) *future.Future[future.Unit] {
	return blockingUnit(r, "unlink "+name, func() error { return unix.Unlink(name) })
}

// RenameFile renames a path.
func RenameFile(r *reactor.Reactor, oldName, newName string) *future.Future[future.Unit] {
	return blockingUnit(r, "rename "+oldName, func() error { return unix.Rename(oldName, newName) })
}

// LinkFile creates a hard link.
func LinkFile(r *reactor.Reactor, oldName, newName string) *future.Future[future.Unit] {
	return blockingUnit(r, "link "+oldName, func() error { return unix.Link(oldName, newName) })
}

// Filesystem magic numbers from statfs(2).
const (
	xfsMagic   = 0x58465342
	extMagic   = 0xEF53
	btrfsMagic = 0x9123683E
	hfsMagic   = 0x4244
	tmpfsMagic = 0x01021994
)

// FileSystemAt probes the filesystem type backing a path.
func FileSystemAt(r *reactor.Reactor, name string) *future.Future[FSType] {
	return reactor.SubmitBlocking(r, func() (FSType, error) {
		var sfs unix.Statfs_t
		if err := unix.Statfs(name, &sfs); err != nil {
			return FSOther, wrapErrno(err, "statfs "+name)
		}
		switch uint32(sfs.Type) {
		case xfsMagic:
			return FSXFS, nil
		case extMagic:
			// ext2/3/4 share the superblock magic; distinguishing them
			// needs feature flags we have no use for.
			return FSExt4, nil
		case btrfsMagic:
			return FSBtrfs, nil
		case hfsMagic:
			return FSHFS, nil
		case tmpfsMagic:
			return FSTmpfs, nil
		default:
			return FSOther, nil
		}
	})
}
