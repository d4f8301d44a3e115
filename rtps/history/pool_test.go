package history

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/liamstask/go-rtps/rtps"
)

func TestPoolReleaseResets(t *testing.T) {
	p := NewPool(PoolConfig{Policy: Preallocated, PayloadSize: 64, InitialSize: 1, MaxSize: 1})

	c, ok := p.Reserve(16)
	if !ok {
		t.Fatalf("reserve failed")
	}
	buf := &c.Payload[:1][0]
	c.Kind = NotAliveDisposed
	c.SeqNum = 42
	c.WriterGUID = rtps.GUID{Prefix: rtps.GUIDPrefix{1}, EntityID: 0x102}
	c.Instance = rtps.InstanceHandle{7}
	c.SourceTimestamp = time.Now()
	c.IsRead = true
	c.SetFragmentSize(4, 16, true)
	p.Release(c)

	c2, ok := p.Reserve(8)
	if !ok {
		t.Fatalf("second reserve failed")
	}
	if &c2.Payload[:1][0] != buf {
		t.Errorf("payload buffer was not reused")
	}
	want := &CacheChange{Payload: make([]byte, 8)}
	opts := cmp.Options{
		cmp.AllowUnexported(CacheChange{}),
		cmpopts.EquateEmpty(),
		cmpopts.IgnoreFields(CacheChange{}, "Payload"),
	}
	if diff := cmp.Diff(want, c2, opts); diff != "" {
		t.Errorf("reserved change not reset (-want +got):\n%s", diff)
	}
	if len(c2.Payload) != 8 {
		t.Errorf("payload len got %d, want 8", len(c2.Payload))
	}
}

func TestPoolLimits(t *testing.T) {
	cases := []struct {
		cfg      PoolConfig
		reserves int
		size     int
		succeed  int
	}{
		{PoolConfig{Policy: Preallocated, PayloadSize: 32, InitialSize: 2, MaxSize: 5}, 8, 16, 5},
		{PoolConfig{Policy: Preallocated, PayloadSize: 32, InitialSize: 1, MaxSize: 0}, 50, 16, 50},
		{PoolConfig{Policy: Preallocated, PayloadSize: 32, InitialSize: 2, MaxSize: 5}, 3, 64, 0}, // over payload size
		{PoolConfig{Policy: PreallocatedWithRealloc, PayloadSize: 32, InitialSize: 2, MaxSize: 5}, 3, 64, 3},
		{PoolConfig{Policy: Dynamic, MaxSize: 4}, 6, 1000, 4},
	}

	for i, c := range cases {
		p := NewPool(c.cfg)
		got := 0
		for j := 0; j < c.reserves; j++ {
			ch, ok := p.Reserve(c.size)
			if !ok {
				continue
			}
			got++
			if len(ch.Payload) != c.size {
				t.Errorf("[%d] payload len %d, want %d", i, len(ch.Payload), c.size)
			}
		}
		if got != c.succeed {
			t.Errorf("[%d] %v: %d reserves succeeded, want %d", i, c.cfg.Policy, got, c.succeed)
		}
	}
}

func TestPoolGrowsInBatches(t *testing.T) {
	p := NewPool(PoolConfig{Policy: Preallocated, PayloadSize: 8, InitialSize: 2})
	if p.Size() != 2 || p.FreeCount() != 2 {
		t.Fatalf("initial size %d free %d", p.Size(), p.FreeCount())
	}
	var held []*CacheChange
	for i := 0; i < 3; i++ {
		c, _ := p.Reserve(1)
		held = append(held, c)
	}
	// the third reserve doubled the pool
	if p.Size() != 4 {
		t.Errorf("size after growth %d, want 4", p.Size())
	}
	for _, c := range held {
		p.Release(c)
	}
	if p.FreeCount() != 4 {
		t.Errorf("free after release %d, want 4", p.FreeCount())
	}
}

func TestPoolDynamicRelease(t *testing.T) {
	p := NewPool(PoolConfig{Policy: Dynamic, MaxSize: 1})
	c, ok := p.Reserve(10)
	if !ok {
		t.Fatalf("reserve failed")
	}
	if _, ok := p.Reserve(10); ok {
		t.Errorf("reserve past max succeeded")
	}
	p.Release(c)
	if p.Size() != 0 || p.FreeCount() != 0 {
		t.Errorf("dynamic pool kept a change: size %d free %d", p.Size(), p.FreeCount())
	}
	if _, ok := p.Reserve(10); !ok {
		t.Errorf("reserve after release failed")
	}
}

func TestMemoryPolicyText(t *testing.T) {
	for _, want := range []MemoryPolicy{Preallocated, PreallocatedWithRealloc, Dynamic} {
		b, err := want.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", want, err)
		}
		var got MemoryPolicy
		if err := got.UnmarshalText(b); err != nil || got != want {
			t.Errorf("%s read back as %v (%v)", b, got, err)
		}
	}
	var p MemoryPolicy
	if err := p.UnmarshalText([]byte("pooled")); err == nil {
		t.Errorf("unknown policy accepted")
	}
}
