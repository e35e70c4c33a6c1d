// Command kernel documents the boot handoff contract between the
// architecture layer and the portable core: component C1-C10 construction
// lives in package kernel (core_init); the i386 entry assembly, GDT/IDT
// table loads, and the concrete arch.Interface implementation that would
// call kernel.Boot from a real multiboot handoff are out of this module's
// scope, the same boundary original_source draws between its arch/i386
// tree and kernel/kernel.c's kmain.
//
// A production entry point wires something like this together once linked
// against a real arch.Interface and a boot loader that fills in
// arch.BootData:
//
//	func kmain(a arch.Interface, boot arch.BootData, ram []byte) {
//		k := kernel.Boot(a, boot, ram)
//		k.Irq.Register(irqTimer, nil, func(uint32) { k.Timer.ReportClockPulse(timerPeriodNs) })
//		... register remaining device interrupt vectors ...
//		for {
//			k.Sched.Yield()
//		}
//	}
package main

func main() {}
