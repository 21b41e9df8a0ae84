package sysutil

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"golang.org/x/sys/unix"
)

// Sysutil is the kernel-facing surface the isolation modules run against.
// Every operation reports failure through *Error so callers see the
// operation, the path involved, and the underlying errno.
type Sysutil interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, contents []byte) error
	MkdirRecursive(path string) error
	RemoveTree(path string) error
	Exists(path string) bool
	IsDirectory(path string) bool
	Chdir(path string) error

	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error
	Unshare(flags int) error
	SetHostname(name string) error

	DenySetgroups() error
	WriteUIDMap(containerID, hostID, count int) error
	WriteGIDMap(containerID, hostID, count int) error

	CreateCgroup(root, name string) error
	RemoveCgroup(root, name string) error
	SetCgroupValue(root, name, attr, value string) error
	AddToCgroup(root, name string, pid int) error
}

type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type RealSysutil struct{}

func New() *RealSysutil {
	return &RealSysutil{}
}

func (s *RealSysutil) ReadFile(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{"read", path, err}
	}

	return contents, nil
}

func (s *RealSysutil) WriteFile(path string, contents []byte) error {
	if err := os.WriteFile(path, contents, 0644); err != nil {
		return &Error{"write", path, err}
	}

	return nil
}

func (s *RealSysutil) MkdirRecursive(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return &Error{"mkdir", path, err}
	}

	return nil
}

func (s *RealSysutil) RemoveTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return &Error{"remove", path, err}
	}

	return nil
}

func (s *RealSysutil) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *RealSysutil) IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *RealSysutil) Chdir(path string) error {
	if err := os.Chdir(path); err != nil {
		return &Error{"chdir", path, err}
	}

	return nil
}

func (s *RealSysutil) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return &Error{"mount", target, err}
	}

	return nil
}

func (s *RealSysutil) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return &Error{"unmount", target, err}
	}

	return nil
}

func (s *RealSysutil) PivotRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return &Error{"pivot_root", newRoot, err}
	}

	return nil
}

func (s *RealSysutil) Unshare(flags int) error {
	if err := unix.Unshare(flags); err != nil {
		return &Error{"unshare", "", err}
	}

	return nil
}

func (s *RealSysutil) SetHostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return &Error{"sethostname", "", err}
	}

	return nil
}

func (s *RealSysutil) DenySetgroups() error {
	return s.WriteFile("/proc/self/setgroups", []byte("deny"))
}

func (s *RealSysutil) WriteUIDMap(containerID, hostID, count int) error {
	return s.WriteFile("/proc/self/uid_map", idMapLine(containerID, hostID, count))
}

func (s *RealSysutil) WriteGIDMap(containerID, hostID, count int) error {
	return s.WriteFile("/proc/self/gid_map", idMapLine(containerID, hostID, count))
}

func idMapLine(containerID, hostID, count int) []byte {
	return []byte(strconv.Itoa(containerID) + " " + strconv.Itoa(hostID) + " " + strconv.Itoa(count) + "\n")
}

func (s *RealSysutil) CreateCgroup(root, name string) error {
	return s.MkdirRecursive(path.Join(root, name))
}

func (s *RealSysutil) RemoveCgroup(root, name string) error {
	if err := os.Remove(path.Join(root, name)); err != nil {
		return &Error{"rmdir", path.Join(root, name), err}
	}

	return nil
}

func (s *RealSysutil) SetCgroupValue(root, name, attr, value string) error {
	return s.WriteFile(path.Join(root, name, attr), []byte(value))
}

func (s *RealSysutil) AddToCgroup(root, name string, pid int) error {
	return s.SetCgroupValue(root, name, "cgroup.procs", strconv.Itoa(pid))
}
