// Package pagecache provides a page-granular write-back cache over a region
// of backing storage. FATX metadata is always accessed in fixed-size pages
// (FAT pages, cluster table elements), so the cache tracks which pages are
// resident and which are dirty with one bitmap each and only touches the
// backing storage for pages that need it.
//
// Page indices begin at 0.
package pagecache

import (
	"fmt"
	"io"
	"os"

	"github.com/boljen/go-bitmap"
	"github.com/xaionaro-go/bytesextra"
)

// FetchPageFunc reads one page from the backing storage into buf. buf is
// always exactly one page long and index is always within bounds.
type FetchPageFunc func(index uint, buf []byte) error

// FlushPageFunc writes one page from buf to the backing storage, under the
// same guarantees as FetchPageFunc.
type FlushPageFunc func(index uint, buf []byte) error

// ResizeFunc grows or shrinks the backing storage to hold newTotal pages.
type ResizeFunc func(newTotal uint) error

// ErrNotResizable is returned by Resize when the cache was built without a
// resize callback.
var ErrNotResizable = fmt.Errorf("backing storage cannot be resized")

// Cache is a write-back page cache.
type Cache struct {
	resident bitmap.Bitmap
	dirty    bitmap.Bitmap
	data     []byte

	fetch      FetchPageFunc
	flush      FlushPageFunc
	resize     ResizeFunc
	pageSize   uint
	totalPages uint
}

// New creates a cache of totalPages pages of pageSize bytes each. Passing a
// nil resize callback makes the cache fixed-size.
func New(pageSize, totalPages uint, fetch FetchPageFunc, flush FlushPageFunc, resize ResizeFunc) *Cache {
	return &Cache{
		resident:   bitmap.NewSlice(int(totalPages)),
		dirty:      bitmap.NewSlice(int(totalPages)),
		data:       make([]byte, pageSize*totalPages),
		fetch:      fetch,
		flush:      flush,
		resize:     resize,
		pageSize:   pageSize,
		totalPages: totalPages,
	}
}

// WrapFile creates a cache over a region of an open file starting at
// baseOffset. When resizable is true the region is assumed to extend to the
// end of the file and Resize truncates or extends the file itself.
func WrapFile(f *os.File, baseOffset int64, pageSize, totalPages uint, resizable bool) *Cache {
	fetch := func(index uint, buf []byte) error {
		_, err := f.ReadAt(buf, baseOffset+int64(index)*int64(pageSize))
		if err == io.EOF {
			// A short page at the end of the file reads as zero-filled.
			return nil
		}
		return err
	}
	flush := func(index uint, buf []byte) error {
		_, err := f.WriteAt(buf, baseOffset+int64(index)*int64(pageSize))
		return err
	}

	var resize ResizeFunc
	if resizable {
		resize = func(newTotal uint) error {
			return f.Truncate(baseOffset + int64(newTotal)*int64(pageSize))
		}
	}
	return New(pageSize, totalPages, fetch, flush, resize)
}

// WrapStream creates a cache over any io.ReadWriteSeeker.
func WrapStream(stream io.ReadWriteSeeker, pageSize, totalPages uint) *Cache {
	run := func(index uint, buf []byte, read bool) error {
		_, err := stream.Seek(int64(index)*int64(pageSize), io.SeekStart)
		if err != nil {
			return err
		}
		if read {
			_, err = stream.Read(buf)
		} else {
			_, err = stream.Write(buf)
		}
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}

	return New(
		pageSize,
		totalPages,
		func(index uint, buf []byte) error { return run(index, buf, true) },
		func(index uint, buf []byte) error { return run(index, buf, false) },
		nil,
	)
}

// WrapSlice creates a cache over an in-memory byte slice.
func WrapSlice(storage []byte, pageSize uint) *Cache {
	stream := bytesextra.NewReadWriteSeeker(storage)
	return WrapStream(stream, pageSize, uint(len(storage))/pageSize)
}

// PageSize returns the size of one page, in bytes.
func (cache *Cache) PageSize() uint {
	return cache.pageSize
}

// TotalPages returns the number of pages the cache covers.
func (cache *Cache) TotalPages() uint {
	return cache.totalPages
}

// Size returns the byte size of the cached region.
func (cache *Cache) Size() int64 {
	return int64(cache.pageSize) * int64(cache.totalPages)
}

func (cache *Cache) checkBounds(start, count uint) error {
	if start+count > cache.totalPages {
		return fmt.Errorf(
			"page range [%d, %d) not in [0, %d)",
			start, start+count, cache.totalPages,
		)
	}
	return nil
}

// load makes the pages in [start, start+count) resident.
func (cache *Cache) load(start, count uint) error {
	if err := cache.checkBounds(start, count); err != nil {
		return err
	}
	for index := start; index < start+count; index++ {
		// Dirty pages are resident by definition, so one bitmap check covers
		// both.
		if cache.resident.Get(int(index)) {
			continue
		}
		buf := cache.data[index*cache.pageSize : (index+1)*cache.pageSize]
		if err := cache.fetch(index, buf); err != nil {
			return fmt.Errorf("failed to load page %d from storage: %w", index, err)
		}
		cache.resident.Set(int(index), true)
		cache.dirty.Set(int(index), false)
	}
	return nil
}

// Slice returns the cache's storage for count pages beginning at start,
// loading any pages not yet resident. Callers that modify the slice must
// mark the pages dirty with MarkDirty.
func (cache *Cache) Slice(start, count uint) ([]byte, error) {
	if err := cache.load(start, count); err != nil {
		return nil, err
	}
	return cache.data[start*cache.pageSize : (start+count)*cache.pageSize], nil
}

// Page is shorthand for Slice(index, 1).
func (cache *Cache) Page(index uint) ([]byte, error) {
	return cache.Slice(index, 1)
}

// MarkDirty marks count pages beginning at start as modified. They will be
// written back on the next Flush.
func (cache *Cache) MarkDirty(start, count uint) error {
	if err := cache.checkBounds(start, count); err != nil {
		return err
	}
	for index := start; index < start+count; index++ {
		cache.resident.Set(int(index), true)
		cache.dirty.Set(int(index), true)
	}
	return nil
}

// ReadAt fills buf with cached bytes starting at byte offset off. The range
// may span multiple pages but must stay inside the cached region.
func (cache *Cache) ReadAt(buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	first := uint(off) / cache.pageSize
	last := (uint(off) + uint(len(buf)) - 1) / cache.pageSize
	slice, err := cache.Slice(first, last-first+1)
	if err != nil {
		return err
	}
	copy(buf, slice[uint(off)-first*cache.pageSize:])
	return nil
}

// WriteAt copies buf into the cache at byte offset off and marks the touched
// pages dirty.
func (cache *Cache) WriteAt(buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	first := uint(off) / cache.pageSize
	last := (uint(off) + uint(len(buf)) - 1) / cache.pageSize
	slice, err := cache.Slice(first, last-first+1)
	if err != nil {
		return err
	}
	copy(slice[uint(off)-first*cache.pageSize:], buf)
	return cache.MarkDirty(first, last-first+1)
}

// Flush writes every dirty page back to the backing storage and marks it
// clean. Pages that were never loaded are skipped.
func (cache *Cache) Flush() error {
	for index := uint(0); index < cache.totalPages; index++ {
		if !cache.dirty.Get(int(index)) {
			continue
		}
		buf := cache.data[index*cache.pageSize : (index+1)*cache.pageSize]
		if err := cache.flush(index, buf); err != nil {
			return fmt.Errorf("failed to flush page %d to storage: %w", index, err)
		}
		cache.dirty.Set(int(index), false)
	}
	return nil
}

// Resize grows or shrinks the cache and its backing storage. New pages are
// zero-filled and marked dirty so that an untouched extension still writes
// zeroed pages out on flush.
func (cache *Cache) Resize(newTotal uint) error {
	if cache.resize == nil {
		return ErrNotResizable
	}
	if err := cache.resize(newTotal); err != nil {
		return err
	}

	newData := make([]byte, newTotal*cache.pageSize)
	copy(newData, cache.data)
	newResident := bitmap.Bitmap(bitmap.NewSlice(int(newTotal)))
	newDirty := bitmap.Bitmap(bitmap.NewSlice(int(newTotal)))
	copy(newResident, cache.resident)
	copy(newDirty, cache.dirty)
	for index := cache.totalPages; index < newTotal; index++ {
		newResident.Set(int(index), true)
		newDirty.Set(int(index), true)
	}

	cache.data = newData
	cache.resident = newResident
	cache.dirty = newDirty
	cache.totalPages = newTotal
	return nil
}
