package fs

import (
	"log/slog"

	"github.com/jnwhiteh/minixcache/common"
)

const ROOT_PROCESS = 1

// Process is the per-process state that pins inodes: its root and working
// directories and the executable it runs.
type Process struct {
	Pid        int
	Uid, Euid  uint16
	Gid, Egid  uint8
	Root       *common.Inode // root directory of the process
	Pwd        *common.Inode // working directory of the process
	Executable *common.Inode // the running image, may be nil

	fs *FileSystem
}

// Fork returns a child sharing the ids and directories of proc. Every inode
// proc pins gains a reference.
func (proc *Process) Fork() *Process {
	fs := proc.fs
	fs.m.Lock()
	defer fs.m.Unlock()

	child := &Process{
		Pid:  fs.pidcounter,
		Uid:  proc.Uid,
		Euid: proc.Euid,
		Gid:  proc.Gid,
		Egid: proc.Egid,
		fs:   fs,
	}
	if proc.Root != nil {
		child.Root = fs.itable.DupInode(proc.Root)
	}
	if proc.Pwd != nil {
		child.Pwd = fs.itable.DupInode(proc.Pwd)
	}
	if proc.Executable != nil {
		child.Executable = fs.itable.DupInode(proc.Executable)
	}
	fs.procs[child.Pid] = child
	fs.pidcounter++
	return child
}

// Chdir makes rip the working directory. The caller's reference to rip is
// taken over and the old directory is released.
func (proc *Process) Chdir(rip *common.Inode) error {
	if !rip.IsDir() {
		return common.ENOTDIR
	}
	old := proc.Pwd
	proc.Pwd = rip
	return proc.fs.itable.PutInode(old)
}

// Exit releases the inodes pinned by proc. Calling it twice is harmless.
func (proc *Process) Exit() {
	fs := proc.fs
	fs.m.Lock()
	delete(fs.procs, proc.Pid)
	fs.m.Unlock()

	for _, rip := range []**common.Inode{&proc.Pwd, &proc.Root, &proc.Executable} {
		if *rip == nil {
			continue
		}
		if err := fs.itable.PutInode(*rip); err != nil {
			slog.Warn("releasing inode on exit failed", "pid", proc.Pid, "inum", (*rip).Inum, "error", err)
		}
		*rip = nil
	}
}
