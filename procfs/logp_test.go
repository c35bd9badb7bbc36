package procfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devnexen/pstack/imagecache"
)

func TestReadPCLogSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thread1.log")
	contents := "# captured stack, oldest frame last\n0x1000\n\n2000\n0x3000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	pcs, err := readPCLog(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0x1000, 0x2000, 0x3000}
	if len(pcs) != len(want) {
		t.Fatalf("got %v, want %v", pcs, want)
	}
	for i := range want {
		if pcs[i] != want[i] {
			t.Errorf("pcs[%d] = %#x, want %#x", i, pcs[i], want[i])
		}
	}
}

func TestReadPCLogRejectsMalformedHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.log")
	if err := os.WriteFile(path, []byte("not-hex\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPCLog(path); err == nil {
		t.Fatal("expected an error on a malformed address line")
	}
}

func TestReadPCLogMissingFile(t *testing.T) {
	if _, err := readPCLog(filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Fatal("expected an error opening a nonexistent log file")
	}
}

func TestOpenLogPropagatesExecutableOpenError(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "t0.log")
	if err := os.WriteFile(logPath, []byte("0x1000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cache := imagecache.New(0)
	_, err := OpenLog(filepath.Join(dir, "does-not-exist"), []string{logPath}, cache)
	if err == nil {
		t.Fatal("expected OpenLog to fail when the executable cannot be opened")
	}
}
