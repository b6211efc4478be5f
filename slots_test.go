package vdisplay

import (
	"testing"

	"github.com/gogpu/vdisplay/bufq"
)

func TestSlotMappingSelfInverse(t *testing.T) {
	for _, src := range []source{sourceSink, sourceScratch} {
		for k := 0; k < bufq.NumSlots; k++ {
			p := producerSlot(src, k)
			if p < 0 || p >= bufq.NumSlots {
				t.Fatalf("%s slot %d mapped out of range: %d", src, k, p)
			}
			if got := sourceSlot(src, p); got != k {
				t.Errorf("%s: sourceSlot(producerSlot(%d)) = %d", src, k, got)
			}
		}
	}
}

func TestSlotRangesDisjoint(t *testing.T) {
	// With half the slot space per pool, sink and scratch producer-slot
	// ranges must not collide.
	half := bufq.NumSlots / 2
	seen := make(map[int]source)
	for k := 0; k < half; k++ {
		p := producerSlot(sourceSink, k)
		seen[p] = sourceSink
	}
	for k := 0; k < half; k++ {
		p := producerSlot(sourceScratch, k)
		if prev, ok := seen[p]; ok {
			t.Errorf("producer slot %d claimed by both %s and %s", p, prev, sourceScratch)
		}
	}
}

func TestSlotCacheRetag(t *testing.T) {
	var c slotCache
	if c.retag(sourceSink, 3) {
		t.Error("slot initially untagged should already read as sink")
	}
	if !c.retag(sourceScratch, 3) {
		t.Error("switching slot 3 to scratch must report staleness")
	}
	if c.retag(sourceScratch, 3) {
		t.Error("re-tagging same source must not report staleness")
	}
	if !c.retag(sourceSink, 3) {
		t.Error("switching back to sink must report staleness")
	}
}

func TestSlotCachePurge(t *testing.T) {
	var c slotCache
	bufA := &bufq.Buffer{Width: 1, Height: 1}
	bufB := &bufq.Buffer{Width: 2, Height: 2}

	c.retag(sourceSink, 0)
	c.buffers[0] = bufA
	c.retag(sourceScratch, 31)
	c.buffers[31] = bufB

	c.purge(sourceScratch)
	if c.buffers[31] != nil {
		t.Error("scratch-tagged slot should be purged")
	}
	if c.buffers[0] != bufA {
		t.Error("sink-tagged slot must survive a scratch purge")
	}

	c.purge(sourceSink)
	if c.buffers[0] != nil {
		t.Error("sink-tagged slot should be purged")
	}
	if c.cached() != 0 {
		t.Errorf("cached() = %d after full purge", c.cached())
	}
}
