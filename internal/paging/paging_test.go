package paging

import (
	"testing"

	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/archtest"
)

func newTestDirectory() (*Directory, *archtest.Arch) {
	a := archtest.New()
	d := NewDirectory(a)
	d.PopulateTable(0, &Table{})
	return d, a
}

func TestMapThenLookupRoundTrips(t *testing.T) {
	d, _ := newTestDirectory()
	const virt = 0x1000
	const phys = 0x7000
	d.Map(phys, virt, arch.Writable)

	got, ok := d.Lookup(virt)
	if !ok {
		t.Fatal("expected mapping to exist")
	}
	if got != phys {
		t.Fatalf("got phys 0x%x, want 0x%x", got, phys)
	}
}

func TestMapInvalidatesTLB(t *testing.T) {
	d, a := newTestDirectory()
	d.Map(0x7000, 0x2000, 0)
	inv := a.Invalidated()
	if len(inv) != 1 || inv[0] != 0x2000 {
		t.Fatalf("expected single invalidation of 0x2000, got %v", inv)
	}
}

func TestUnmapClearsMapping(t *testing.T) {
	d, a := newTestDirectory()
	d.Map(0x7000, 0x3000, 0)
	d.Unmap(0x3000)

	if _, ok := d.Lookup(0x3000); ok {
		t.Fatal("expected mapping to be gone after unmap")
	}
	if len(a.Invalidated()) != 2 {
		t.Fatalf("expected 2 invalidations (map + unmap), got %d", len(a.Invalidated()))
	}
}

func TestMapOnMissingPageTablePanics(t *testing.T) {
	a := archtest.New()
	d := NewDirectory(a)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic mapping into an unpopulated directory slot")
		}
	}()
	d.Map(0x7000, 0x500000, 0) // directory index 1, never populated
}

func TestMapOverwritePanics(t *testing.T) {
	d, _ := newTestDirectory()
	d.Map(0x7000, 0x4000, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on remap of an occupied slot")
		}
	}()
	d.Map(0x8000, 0x4000, 0)
}

func TestUnmapAlreadyUnmappedPanics(t *testing.T) {
	d, _ := newTestDirectory()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping a never-mapped address")
		}
	}()
	d.Unmap(0x5000)
}

func TestUnmapOnMissingPageTablePanics(t *testing.T) {
	a := archtest.New()
	d := NewDirectory(a)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping into an unpopulated directory slot")
		}
	}()
	d.Unmap(0x500000)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	d, _ := newTestDirectory()
	if _, ok := d.Lookup(0x9000); ok {
		t.Fatal("expected no mapping")
	}
}
