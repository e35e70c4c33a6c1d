package interrupt

import "github.com/islay-os/kernel/internal/klog"

var picLog = klog.New("PIC", klog.Info, nil)

// EOISink is the legacy PIC driver surface the generic top half needs:
// reading which IRQ lines are currently in service (to detect a spurious
// interrupt) and acknowledging one, grounded on
// original_source's arch/i386/interrupts/pic.c. The driver itself — the
// actual port I/O — lives outside this module; this models only the core
// logic layered on top of it.
type EOISink interface {
	// InService returns the combined in-service register of both cascaded
	// 8259A PICs, bit i set meaning IRQ i is currently being serviced.
	InService() uint16
	// SendEOI acknowledges irq, issuing end-of-interrupt to PIC2 as well
	// when irq is on the secondary PIC.
	SendEOI(irq int)
}

// irqSpuriousPIC1 and irqSpuriousPIC2 are the IRQ lines the PIC raises
// spuriously when no real interrupt condition caused the vector: IRQ7 on
// the primary 8259A, IRQ15 (IRQ7 of the secondary, offset by 8) on the
// cascaded one.
const (
	irqSpuriousPIC1 = 7
	irqSpuriousPIC2 = 15
)

// RegisterPIC wraps top and bottom with the legacy PIC's spurious-IRQ
// filtering and end-of-interrupt bookkeeping, then registers the wrapper
// for vector. irq is the IRQ line vector maps to (vector - PIC remap
// base), used to decide which in-service bit to check and which PIC(s) to
// acknowledge.
func (d *Dispatcher) RegisterPIC(vector uint32, irq int, pic EOISink, top TopHalf, bottom BottomHalf) error {
	wrapped := func(v uint32) {
		if (irq == irqSpuriousPIC1 || irq == irqSpuriousPIC2) && pic.InService()&(1<<uint(irq)) == 0 {
			picLog.Debug("swallowed spurious IRQ %d", irq)
			return
		}

		if top != nil {
			top(v)
		}

		pic.SendEOI(irq)
	}

	return d.Register(vector, wrapped, bottom)
}
