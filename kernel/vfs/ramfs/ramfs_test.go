package ramfs

import (
	"testing"

	"vexos/kernel"
	"vexos/kernel/vfs"
)

func mountedFS(t *testing.T) (*vfs.FileSystem, *vfs.FileSystemDriver) {
	t.Helper()

	drv := Driver()
	fs := &vfs.FileSystem{MntSrc: "ramfs", MntPoint: "/", Driver: drv}
	if err := drv.Init("ramfs", "ramfs", "", fs); err != nil {
		t.Fatal(err)
	}

	return fs, drv
}

func TestInitRejectsWrongType(t *testing.T) {
	drv := Driver()
	fs := &vfs.FileSystem{MntPoint: "/", Driver: drv}

	if err := drv.Init("hdap1", "", "", fs); err != errWrongType {
		t.Fatalf("expected ramfs to reject a generic probe; got %v", err)
	}
}

func TestInitBuildsRoot(t *testing.T) {
	fs, _ := mountedFS(t)

	root := fs.Root()
	if root == nil || root.Name != "/" || root.Mode&vfs.ModeDir == 0 {
		t.Fatalf("expected a directory root vnode; got %+v", root)
	}
}

func TestMkFileAndIO(t *testing.T) {
	fs, drv := mountedFS(t)

	ino, err := drv.MkFile(fs.Root(), "greeting", 0644, 10, 20, fs)
	if err != nil {
		t.Fatal(err)
	}

	vnode, lerr := fs.LookupVnode("/greeting")
	if lerr != nil {
		t.Fatal(lerr)
	}

	if vnode.Ino != ino || vnode.UID != 10 || vnode.GID != 20 || vnode.Parent != fs.Root() {
		t.Fatalf("unexpected vnode metadata: %+v", vnode)
	}

	if _, err := vnode.Ops.WriteNode(vnode, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}

	if vnode.Size != 5 {
		t.Fatalf("expected size 5 after write; got %d", vnode.Size)
	}

	// Sparse write past the end grows the file zero-filled.
	if _, err := vnode.Ops.WriteNode(vnode, []byte("!"), 8); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	n, err := vnode.Ops.ReadNode(vnode, buf, 0)
	if err != nil {
		t.Fatal(err)
	}

	if string(buf[:n]) != "hello\x00\x00\x00!" {
		t.Fatalf("unexpected file contents: %q", buf[:n])
	}

	// Reads at or past EOF return 0 bytes.
	if n, err = vnode.Ops.ReadNode(vnode, buf, vnode.Size); err != nil || n != 0 {
		t.Fatalf("expected EOF read to return 0; got %d (%v)", n, err)
	}
}

func TestRmNode(t *testing.T) {
	fs, drv := mountedFS(t)

	drv.MkFile(fs.Root(), "doomed", 0644, 0, 0, fs)
	vnode, _ := fs.LookupVnode("/doomed")

	if err := drv.RmNode(vnode); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.LookupVnode("/doomed"); err == nil || err.Errno != kernel.ENOENT {
		t.Fatalf("expected lookup after removal to fail with ENOENT; got %v", err)
	}

	if _, err := vnode.Ops.ReadNode(vnode, make([]byte, 4), 0); err != errNoFile {
		t.Fatalf("expected reads on the removed inode to fail; got %v", err)
	}
}
