package vdisplay

import "github.com/gogpu/vdisplay/bufq"

// The producer-visible slot space is shared by both sources. Sink slots
// map to producer slots by identity; scratch slots count down from the top
// of the space. For bufq.NumSlots large enough for both pools the two
// ranges never collide.

// producerSlot maps a source-local slot index to a producer slot index.
// The mapping is its own inverse, so sourceSlot below applies the same
// formula. Both names are kept to make the direction clear at call sites,
// and for the (unlikely) chance of switching to a different mapping.
func producerSlot(src source, sslot int) int {
	if src == sourceScratch {
		return bufq.NumSlots - 1 - sslot
	}
	return sslot
}

// sourceSlot maps a producer slot index back to a source-local slot index.
func sourceSlot(src source, pslot int) int {
	return producerSlot(src, pslot)
}

// slotCache is the producer-visible buffer-handle cache: one handle per
// producer slot plus one bit recording which source last dequeued into
// the slot. A cached handle is authoritative only while the owning source
// has not invalidated it; the invalidation rules live in
// Surface.dequeueFrom.
type slotCache struct {
	buffers [bufq.NumSlots]*bufq.Buffer

	// sourceBits has the slot's bit set when the slot belongs to the
	// scratch source, clear when it belongs to the sink.
	sourceBits uint32
}

// bitFor returns the slot's mask bit and the value it must hold for the
// given source.
func (c *slotCache) bitFor(src source, pslot int) (mask, want uint32) {
	mask = uint32(1) << uint(pslot)
	if src == sourceScratch {
		want = mask
	}
	return mask, want
}

// retag marks pslot as belonging to src. Reports whether the slot was
// previously tagged to the other source, in which case the cached handle
// is stale and must be re-requested.
func (c *slotCache) retag(src source, pslot int) bool {
	mask, want := c.bitFor(src, pslot)
	if c.sourceBits&mask == want {
		return false
	}
	c.sourceBits = c.sourceBits&^mask | want
	return true
}

// purge clears every cached handle tagged to src, forcing reallocation
// before reuse. Called when the source invalidated its whole pool.
func (c *slotCache) purge(src source) {
	for i := range c.buffers {
		mask, want := c.bitFor(src, i)
		if c.sourceBits&mask == want {
			c.buffers[i] = nil
		}
	}
}

// cached returns how many slots currently hold a handle.
func (c *slotCache) cached() int {
	n := 0
	for _, b := range c.buffers {
		if b != nil {
			n++
		}
	}
	return n
}
