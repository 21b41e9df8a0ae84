package fake_sysutil

import (
	"path"
	"strconv"
	"sync"
)

// FakeSysutil records every kernel-facing operation and lets tests stub
// failures per operation. The zero value from New is usable immediately;
// by default every operation succeeds.
type FakeSysutil struct {
	lock sync.Mutex

	WrittenFiles []WrittenFile
	CreatedDirs  []string
	RemovedTrees []string
	ChdirCalls   []string

	Mounts     []MountSpec
	Unmounts   []UnmountSpec
	PivotRoots []PivotRootSpec
	Unshares   []int
	Hostnames  []string

	CreatedCgroups []CgroupSpec
	RemovedCgroups []CgroupSpec
	CgroupValues   []CgroupValueSpec

	ExistingPaths map[string]bool
	Directories   map[string]bool

	ReadFileReturns map[string][]byte

	WriteFileError    func(path string) error
	MkdirError        func(path string) error
	ReadFileError     func(path string) error
	ChdirError        func(path string) error
	MountError        func(spec MountSpec) error
	UnmountError      func(spec UnmountSpec) error
	PivotRootError    error
	UnshareError      error
	SetHostnameError  error
	CreateCgroupError error
	RemoveCgroupError error
	CgroupValueError  func(spec CgroupValueSpec) error
}

type WrittenFile struct {
	Path     string
	Contents string
}

type MountSpec struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

type UnmountSpec struct {
	Target string
	Flags  int
}

type PivotRootSpec struct {
	NewRoot string
	PutOld  string
}

type CgroupSpec struct {
	Root string
	Name string
}

type CgroupValueSpec struct {
	Root  string
	Name  string
	Attr  string
	Value string
}

func New() *FakeSysutil {
	return &FakeSysutil{
		ExistingPaths:   make(map[string]bool),
		Directories:     make(map[string]bool),
		ReadFileReturns: make(map[string][]byte),
	}
}

func (f *FakeSysutil) ReadFile(path string) ([]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ReadFileError != nil {
		if err := f.ReadFileError(path); err != nil {
			return nil, err
		}
	}

	return f.ReadFileReturns[path], nil
}

func (f *FakeSysutil) WriteFile(path string, contents []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.WriteFileError != nil {
		if err := f.WriteFileError(path); err != nil {
			return err
		}
	}

	f.WrittenFiles = append(f.WrittenFiles, WrittenFile{path, string(contents)})

	return nil
}

func (f *FakeSysutil) MkdirRecursive(path string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.MkdirError != nil {
		if err := f.MkdirError(path); err != nil {
			return err
		}
	}

	f.CreatedDirs = append(f.CreatedDirs, path)
	f.ExistingPaths[path] = true
	f.Directories[path] = true

	return nil
}

func (f *FakeSysutil) RemoveTree(path string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.RemovedTrees = append(f.RemovedTrees, path)
	delete(f.ExistingPaths, path)
	delete(f.Directories, path)

	return nil
}

func (f *FakeSysutil) Exists(path string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.ExistingPaths[path]
}

func (f *FakeSysutil) IsDirectory(path string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.Directories[path]
}

func (f *FakeSysutil) Chdir(path string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ChdirError != nil {
		if err := f.ChdirError(path); err != nil {
			return err
		}
	}

	f.ChdirCalls = append(f.ChdirCalls, path)

	return nil
}

func (f *FakeSysutil) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	spec := MountSpec{source, target, fstype, flags, data}

	if f.MountError != nil {
		if err := f.MountError(spec); err != nil {
			return err
		}
	}

	f.Mounts = append(f.Mounts, spec)

	return nil
}

func (f *FakeSysutil) Unmount(target string, flags int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	spec := UnmountSpec{target, flags}

	if f.UnmountError != nil {
		if err := f.UnmountError(spec); err != nil {
			return err
		}
	}

	f.Unmounts = append(f.Unmounts, spec)

	return nil
}

func (f *FakeSysutil) PivotRoot(newRoot, putOld string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.PivotRootError != nil {
		return f.PivotRootError
	}

	f.PivotRoots = append(f.PivotRoots, PivotRootSpec{newRoot, putOld})

	return nil
}

func (f *FakeSysutil) Unshare(flags int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.UnshareError != nil {
		return f.UnshareError
	}

	f.Unshares = append(f.Unshares, flags)

	return nil
}

func (f *FakeSysutil) SetHostname(name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.SetHostnameError != nil {
		return f.SetHostnameError
	}

	f.Hostnames = append(f.Hostnames, name)

	return nil
}

func (f *FakeSysutil) DenySetgroups() error {
	return f.WriteFile("/proc/self/setgroups", []byte("deny"))
}

func (f *FakeSysutil) WriteUIDMap(containerID, hostID, count int) error {
	return f.WriteFile("/proc/self/uid_map", idMapLine(containerID, hostID, count))
}

func (f *FakeSysutil) WriteGIDMap(containerID, hostID, count int) error {
	return f.WriteFile("/proc/self/gid_map", idMapLine(containerID, hostID, count))
}

func idMapLine(containerID, hostID, count int) []byte {
	return []byte(strconv.Itoa(containerID) + " " + strconv.Itoa(hostID) + " " + strconv.Itoa(count) + "\n")
}

func (f *FakeSysutil) CreateCgroup(root, name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.CreateCgroupError != nil {
		return f.CreateCgroupError
	}

	f.CreatedCgroups = append(f.CreatedCgroups, CgroupSpec{root, name})
	f.ExistingPaths[path.Join(root, name)] = true

	return nil
}

func (f *FakeSysutil) RemoveCgroup(root, name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.RemoveCgroupError != nil {
		return f.RemoveCgroupError
	}

	f.RemovedCgroups = append(f.RemovedCgroups, CgroupSpec{root, name})
	delete(f.ExistingPaths, path.Join(root, name))

	return nil
}

func (f *FakeSysutil) SetCgroupValue(root, name, attr, value string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	spec := CgroupValueSpec{root, name, attr, value}

	if f.CgroupValueError != nil {
		if err := f.CgroupValueError(spec); err != nil {
			return err
		}
	}

	f.CgroupValues = append(f.CgroupValues, spec)

	return nil
}

func (f *FakeSysutil) AddToCgroup(root, name string, pid int) error {
	return f.SetCgroupValue(root, name, "cgroup.procs", strconv.Itoa(pid))
}
