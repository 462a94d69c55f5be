package pagecache_test

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/fatx/pagecache"
)

// createRandomStorage returns totalPages pages of random bytes.
func createRandomStorage(pageSize, totalPages uint, t *testing.T) []byte {
	backing := make([]byte, pageSize*totalPages)
	_, err := rand.Read(backing)
	if err != nil {
		t.Fatalf("failed to initialize %d random pages: %s", totalPages, err.Error())
	}
	return backing
}

func TestPageCache__Slice__MatchesBacking(t *testing.T) {
	backing := createRandomStorage(512, 16, t)
	cache := pagecache.WrapSlice(backing, 512)

	for i := uint(0); i < 16; i++ {
		page, err := cache.Page(i)
		if err != nil {
			t.Errorf("failed to load page %d: %s", i, err.Error())
			continue
		}
		if !bytes.Equal(page, backing[i*512:(i+1)*512]) {
			t.Errorf("page %d read from the cache doesn't match", i)
		}
	}
}

func TestPageCache__Bounds(t *testing.T) {
	cache := pagecache.WrapSlice(createRandomStorage(512, 8, t), 512)

	if _, err := cache.Page(7); err != nil {
		t.Errorf("failed to read last valid page: %s", err.Error())
	}
	if _, err := cache.Page(8); err == nil {
		t.Error("reading page 8 of [0, 8) should have failed")
	}
	if _, err := cache.Slice(6, 3); err == nil {
		t.Error("slice crossing the end should have failed")
	}
}

func TestPageCache__WriteAt__FlushPersists(t *testing.T) {
	backing := createRandomStorage(512, 8, t)
	cache := pagecache.WrapSlice(backing, 512)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := cache.WriteAt(payload, 510); err != nil {
		t.Fatalf("write spanning pages 0-1 failed: %s", err.Error())
	}

	// Not flushed yet: the backing still has the old bytes... the cache
	// already has the new ones.
	got := make([]byte, 4)
	if err := cache.ReadAt(got, 510); err != nil {
		t.Fatalf("read back failed: %s", err.Error())
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("cache read %x, want %x", got, payload)
	}

	if err := cache.Flush(); err != nil {
		t.Fatalf("flush failed: %s", err.Error())
	}
	if !bytes.Equal(backing[510:514], payload) {
		t.Errorf("backing has %x after flush, want %x", backing[510:514], payload)
	}
}

func TestPageCache__Resize__NotResizable(t *testing.T) {
	cache := pagecache.WrapSlice(createRandomStorage(512, 4, t), 512)
	if err := cache.Resize(8); err != pagecache.ErrNotResizable {
		t.Errorf("expected ErrNotResizable, got %v", err)
	}
}

func TestPageCache__WrapFile__ResizeGrowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	cache := pagecache.WrapFile(f, 0, 4096, 1, true)
	if err := cache.Resize(3); err != nil {
		t.Fatalf("resize failed: %s", err.Error())
	}
	if cache.TotalPages() != 3 || cache.Size() != 3*4096 {
		t.Errorf("cache reports %d pages of %d bytes", cache.TotalPages(), cache.Size())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 3*4096 {
		t.Errorf("backing file is %d bytes, want %d", info.Size(), 3*4096)
	}

	// The new pages are dirty, so a flush must succeed and keep them zeroed.
	if err := cache.Flush(); err != nil {
		t.Fatalf("flush after resize failed: %s", err.Error())
	}
	page, err := cache.Page(2)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range page {
		if b != 0 {
			t.Error("extended pages must read as zero")
			break
		}
	}
}

func TestPageCache__WrapFile__BaseOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	prefix := bytes.Repeat([]byte{0xAA}, 4096)
	region := bytes.Repeat([]byte{0x55}, 4096)
	if _, err := f.WriteAt(prefix, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(region, 4096); err != nil {
		t.Fatal(err)
	}

	cache := pagecache.WrapFile(f, 4096, 4096, 1, false)
	page, err := cache.Page(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(page, region) {
		t.Error("cache must read from the region base offset, not the file start")
	}
}
