//go:build linux || darwin
// +build linux darwin

/*
Copyright 2011 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"fat32fs.dev/pkg/fat32"
	"fat32fs.dev/pkg/vfile"
	"fat32fs.dev/pkg/xerror"
)

// filesystem adapts a *fat32.Manager to bazil.org/fuse/fs.FS. Grounded on
// pkg/fs.CamliFileSystem/cmd/pk-mount's Root-plus-per-node shape, with
// permanode claims replaced by Manager's path-based Search/Create/Delete
// surface (this engine indexes by path, not by blobref).
type filesystem struct {
	mgr *fat32.Manager
}

func (fsys *filesystem) Root() (fusefs.Node, error) {
	d, err := fsys.mgr.RootDir(context.Background())
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &dirNode{mgr: fsys.mgr, dir: d, path: "/"}, nil
}

// toFuseErr maps a xerror.Errno onto the nearest POSIX errno bazil.org/fuse
// reports back to the kernel.
func toFuseErr(err error) error {
	switch {
	case xerror.Is(err, xerror.ENOENT):
		return fuse.ENOENT
	case xerror.Is(err, xerror.EEXIST):
		return fuse.Errno(syscall.EEXIST)
	case xerror.Is(err, xerror.EINVAL):
		return fuse.Errno(syscall.EINVAL)
	case xerror.Is(err, xerror.ENOTEMPTY):
		return fuse.Errno(syscall.ENOTEMPTY)
	case xerror.Is(err, xerror.EISDIR):
		return fuse.Errno(syscall.EISDIR)
	case xerror.Is(err, xerror.ENOTDIR):
		return fuse.Errno(syscall.ENOTDIR)
	case xerror.Is(err, xerror.ENOSPC):
		return fuse.Errno(syscall.ENOSPC)
	default:
		return fuse.EIO
	}
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// dirNode wraps an open *vfile.Dir as a fuse directory node.
type dirNode struct {
	mgr  *fat32.Manager
	dir  *vfile.Dir
	path string
}

var (
	_ fusefs.Node               = (*dirNode)(nil)
	_ fusefs.NodeStringLookuper = (*dirNode)(nil)
	_ fusefs.HandleReadDirAller = (*dirNode)(nil)
	_ fusefs.NodeCreater        = (*dirNode)(nil)
	_ fusefs.NodeMkdirer        = (*dirNode)(nil)
	_ fusefs.NodeRemover        = (*dirNode)(nil)
	_ fusefs.NodeRenamer        = (*dirNode)(nil)
)

func (n *dirNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0755
	return nil
}

func (n *dirNode) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	item, err := n.dir.Search(ctx, name)
	if err != nil {
		return nil, toFuseErr(err)
	}
	childPath := joinPath(n.path, name)
	if item.IsDir() {
		d, err := n.mgr.SearchDir(ctx, childPath)
		if err != nil {
			return nil, toFuseErr(err)
		}
		return &dirNode{mgr: n.mgr, dir: d, path: childPath}, nil
	}
	f, err := n.mgr.SearchFile(ctx, childPath)
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &fileNode{mgr: n.mgr, path: childPath, open: f}, nil
}

func (n *dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	items, err := n.dir.List(ctx)
	if err != nil {
		return nil, toFuseErr(err)
	}
	ents := make([]fuse.Dirent, 0, len(items))
	for _, it := range items {
		typ := fuse.DT_File
		if it.IsDir() {
			typ = fuse.DT_Dir
		}
		ents = append(ents, fuse.Dirent{Name: it.DisplayName(), Type: typ})
	}
	return ents, nil
}

func (n *dirNode) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	childPath := joinPath(n.path, req.Name)
	f, err := n.mgr.CreateFile(ctx, childPath)
	if err != nil {
		return nil, nil, toFuseErr(err)
	}
	fn := &fileNode{mgr: n.mgr, path: childPath, open: f}
	return fn, fn, nil
}

func (n *dirNode) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	childPath := joinPath(n.path, req.Name)
	d, err := n.mgr.CreateDir(ctx, childPath)
	if err != nil {
		return nil, toFuseErr(err)
	}
	return &dirNode{mgr: n.mgr, dir: d, path: childPath}, nil
}

func (n *dirNode) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	childPath := joinPath(n.path, req.Name)
	var err error
	if req.Dir {
		err = n.mgr.DeleteDir(ctx, childPath)
	} else {
		err = n.mgr.DeleteFile(ctx, childPath)
	}
	if err != nil {
		return toFuseErr(err)
	}
	return nil
}

// Rename moves or renames a child of n to newDir. bazil.org/fuse only
// invokes this on the node implementing NodeRenamer for the *source*
// directory; newDir is the already-resolved destination directory node.
func (n *dirNode) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	dst, ok := newDir.(*dirNode)
	if !ok {
		return fuse.Errno(syscall.EXDEV)
	}
	oldPath := joinPath(n.path, req.OldName)
	newPath := joinPath(dst.path, req.NewName)
	if err := n.mgr.Rename(ctx, oldPath, newPath); err != nil {
		return toFuseErr(err)
	}
	return nil
}

// fileNode wraps an open *fat32.OpenFile as both a fuse node and its own
// handle: the core has no separate notion of an unopened file, so a
// lookup always yields a ready-to-use handle, mirroring mutFile's
// node-is-its-own-handle-source shape in pkg/fs/mut.go.
type fileNode struct {
	mgr  *fat32.Manager
	path string
	open *fat32.OpenFile
}

var (
	_ fusefs.Node           = (*fileNode)(nil)
	_ fusefs.HandleReader   = (*fileNode)(nil)
	_ fusefs.HandleWriter   = (*fileNode)(nil)
	_ fusefs.NodeSetattrer  = (*fileNode)(nil)
	_ fusefs.HandleReleaser = (*fileNode)(nil)
)

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0644
	a.Size = uint64(n.open.Size())
	return nil
}

func (n *fileNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	got, err := n.open.ReadAt(ctx, buf, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Data = buf[:got]
	return nil
}

func (n *fileNode) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	written, err := n.open.WriteAt(ctx, req.Data, req.Offset)
	if err != nil {
		return toFuseErr(err)
	}
	resp.Size = written
	return nil
}

func (n *fileNode) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := n.open.Resize(ctx, int64(req.Size)); err != nil {
			return toFuseErr(err)
		}
	}
	if err := n.open.StatWriteBack(ctx, n.mgr.Clock().Now()); err != nil {
		return toFuseErr(err)
	}
	resp.Attr.Mode = 0644
	resp.Attr.Size = uint64(n.open.Size())
	return nil
}

func (n *fileNode) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if err := n.open.StatWriteBack(ctx, n.mgr.Clock().Now()); err != nil {
		return toFuseErr(err)
	}
	n.open.Close()
	return nil
}
