package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/liamstask/go-rtps/rtps"
)

var (
	testWriter  = rtps.GUID{Prefix: rtps.GUIDPrefix{1, 2, 3}, EntityID: 0x102}
	otherWriter = rtps.GUID{Prefix: rtps.GUIDPrefix{4, 5, 6}, EntityID: 0x202}
)

func testConfig(kind rtps.HistoryKind, depth int32, maxSamples int32) Config {
	return Config{
		Pool:           PoolConfig{Policy: Preallocated, PayloadSize: 64, InitialSize: 4},
		PayloadMaxSize: 64,
		History:        rtps.HistoryQos{Kind: kind, Depth: depth},
		ResourceLimits: rtps.ResourceLimitsQos{MaxSamples: maxSamples},
	}
}

func newChange(t *testing.T, h *History, guid rtps.GUID, seq rtps.SeqNum) *CacheChange {
	t.Helper()
	c, ok := h.Reserve(4)
	if !ok {
		t.Fatalf("reserve failed")
	}
	c.WriterGUID = guid
	c.SeqNum = seq
	return c
}

func seqs(h *History) []rtps.SeqNum {
	var out []rtps.SeqNum
	h.Lock()
	h.AscendLocked(func(c *CacheChange) bool {
		out = append(out, c.SeqNum)
		return true
	})
	h.Unlock()
	return out
}

func TestHistoryOrderAndBounds(t *testing.T) {
	h := New(testConfig(rtps.KeepAll, 0, 0), nil)
	for _, sn := range []rtps.SeqNum{5, 1, 3, 2, 4} {
		if !h.AddChange(newChange(t, h, testWriter, sn)) {
			t.Fatalf("add %d failed", sn)
		}
	}
	if diff := cmp.Diff([]rtps.SeqNum{1, 2, 3, 4, 5}, seqs(h)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	min, _ := h.MinChange()
	max, _ := h.MaxChange()
	if min.SeqNum != 1 || max.SeqNum != 5 {
		t.Errorf("min/max got %d/%d", min.SeqNum, max.SeqNum)
	}

	if !h.RemoveChange(1, testWriter) || !h.RemoveChange(5, testWriter) {
		t.Fatalf("remove failed")
	}
	min, _ = h.MinChange()
	max, _ = h.MaxChange()
	if min.SeqNum != 2 || max.SeqNum != 4 {
		t.Errorf("min/max after remove got %d/%d", min.SeqNum, max.SeqNum)
	}
	if h.RemoveChange(5, testWriter) {
		t.Errorf("second remove of the same change succeeded")
	}
}

func TestHistoryAddRejects(t *testing.T) {
	h := New(testConfig(rtps.KeepAll, 0, 0), nil)

	unset := newChange(t, h, rtps.UnknownGUID, 1)
	if h.AddChange(unset) {
		t.Errorf("change without writer guid accepted")
	}

	big, ok := h.Reserve(64)
	if !ok {
		t.Fatal("reserve failed")
	}
	big.WriterGUID = testWriter
	big.SeqNum = 1
	big.Payload = make([]byte, 65)
	if h.AddChange(big) {
		t.Errorf("oversize payload accepted")
	}

	c := newChange(t, h, testWriter, 2)
	if !h.AddChange(c) {
		t.Fatalf("add failed")
	}
	if h.AddChange(newChange(t, h, testWriter, 2)) {
		t.Errorf("duplicate change accepted")
	}
}

func TestHistoryRemoveHookAndGUID(t *testing.T) {
	h := New(testConfig(rtps.KeepAll, 0, 0), nil)
	var removed []string
	h.OnRemove(func(c *CacheChange) {
		removed = append(removed, fmt.Sprintf("%v/%d", c.WriterGUID.EntityID, c.SeqNum))
	})

	for sn := rtps.SeqNum(1); sn <= 3; sn++ {
		h.AddChange(newChange(t, h, testWriter, sn))
		h.AddChange(newChange(t, h, otherWriter, sn))
	}

	if c, ok := h.GetMinChangeFrom(otherWriter); !ok || c.SeqNum != 1 {
		t.Errorf("min from other writer got %v %v", c, ok)
	}
	if _, ok := h.GetChange(2, otherWriter); !ok {
		t.Errorf("GetChange(2, other) missing")
	}

	if n := h.RemoveChangesWithGUID(otherWriter); n != 3 {
		t.Errorf("removed %d changes, want 3", n)
	}
	want := []string{"0x00000202/1", "0x00000202/2", "0x00000202/3"}
	if diff := cmp.Diff(want, removed); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
	if h.Len() != 3 {
		t.Errorf("len got %d, want 3", h.Len())
	}
	if _, ok := h.GetMinChangeFrom(otherWriter); ok {
		t.Errorf("other writer still has changes")
	}
}

// A KEEP_ALL history with max_samples 10 takes ten changes and refuses
// the eleventh until one is removed.
func TestWriterHistoryKeepAllFull(t *testing.T) {
	wh := NewWriterHistory(testWriter, testConfig(rtps.KeepAll, 0, 10), nil)

	for i := 1; i <= 10; i++ {
		c, ok := wh.NewChange(Alive, rtps.HandleNil, []byte{byte(i)})
		if !ok {
			t.Fatalf("[%d] NewChange failed", i)
		}
		if !wh.AddChange(c) {
			t.Fatalf("[%d] add failed", i)
		}
		if c.SeqNum != rtps.SeqNum(i) {
			t.Errorf("[%d] seq got %d", i, c.SeqNum)
		}
	}

	c, _ := wh.NewChange(Alive, rtps.HandleNil, []byte{11})
	if wh.AddChange(c) {
		t.Fatalf("11th add succeeded on a full KEEP_ALL history")
	}

	if !wh.RemoveChange(1, testWriter) {
		t.Fatalf("remove failed")
	}
	if !wh.AddChange(c) {
		t.Fatalf("add after remove failed")
	}
	if c.SeqNum != 11 {
		t.Errorf("seq after retry got %d, want 11", c.SeqNum)
	}
}

func TestWriterHistoryKeepLast(t *testing.T) {
	const depth = 3
	wh := NewWriterHistory(testWriter, testConfig(rtps.KeepLast, depth, 0), nil)
	a := rtps.InstanceHandle{1}
	b := rtps.InstanceHandle{2}

	for i := 0; i < depth+4; i++ {
		c, _ := wh.NewChange(Alive, a, []byte{byte(i)})
		if !wh.AddChange(c) {
			t.Fatalf("[%d] add failed", i)
		}
	}
	c, _ := wh.NewChange(Alive, b, []byte{0})
	wh.AddChange(c)

	if diff := cmp.Diff([]rtps.SeqNum{5, 6, 7, 8}, seqs(wh.History)); diff != "" {
		t.Errorf("kept changes mismatch (-want +got):\n%s", diff)
	}
	wh.Lock()
	if n := wh.InstanceLenLocked(a); n != depth {
		t.Errorf("instance a holds %d, want %d", n, depth)
	}
	if n := wh.LastSeqNumLocked(); n != 8 {
		t.Errorf("last seq got %d", n)
	}
	wh.Unlock()
}

func TestWriterHistoryInstanceLimits(t *testing.T) {
	cfg := testConfig(rtps.KeepAll, 0, 0)
	cfg.ResourceLimits.MaxInstances = 1
	cfg.ResourceLimits.MaxSamplesPerInstance = 2
	wh := NewWriterHistory(testWriter, cfg, nil)

	add := func(inst byte) bool {
		c, _ := wh.NewChange(Alive, rtps.InstanceHandle{inst}, []byte{inst})
		ok := wh.AddChange(c)
		if !ok {
			wh.Release(c)
		}
		return ok
	}
	if !add(1) || !add(1) {
		t.Fatalf("adds within limits failed")
	}
	if add(1) {
		t.Errorf("third sample of instance accepted")
	}
	if add(2) {
		t.Errorf("second instance accepted")
	}
}

func TestWriterHistoryNotifiesWriter(t *testing.T) {
	wh := NewWriterHistory(testWriter, testConfig(rtps.KeepAll, 0, 0), nil)
	var added []rtps.SeqNum
	wh.OnAdded(func(c *CacheChange) { added = append(added, c.SeqNum) })
	for i := 0; i < 3; i++ {
		c, _ := wh.NewChange(Alive, rtps.HandleNil, nil)
		wh.AddChange(c)
	}
	if diff := cmp.Diff([]rtps.SeqNum{1, 2, 3}, added); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

// For KEEP_LAST with depth D, D+k changes of one instance leave exactly
// the D newest.
func TestReaderHistoryKeepLastDepth(t *testing.T) {
	cases := []struct {
		depth int32
		extra int
	}{
		{1, 1},
		{3, 5},
		{10, 10},
	}

	for i, c := range cases {
		rh := NewReaderHistory(testConfig(rtps.KeepLast, c.depth, 0), nil)
		total := int(c.depth) + c.extra
		rh.Lock()
		for sn := 1; sn <= total; sn++ {
			ch := newChange(t, rh.History, testWriter, rtps.SeqNum(sn))
			ch.Instance = rtps.InstanceHandle{9}
			if rh.ReceivedChangeLocked(ch, 0) != Stored {
				t.Fatalf("[%d] receive %d failed", i, sn)
			}
		}
		rh.Unlock()

		var want []rtps.SeqNum
		for sn := c.extra + 1; sn <= total; sn++ {
			want = append(want, rtps.SeqNum(sn))
		}
		if diff := cmp.Diff(want, seqs(rh.History)); diff != "" {
			t.Errorf("[%d] kept changes mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestReaderHistoryKeepAllRejects(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 2), nil)
	rh.Lock()
	defer rh.Unlock()
	for sn := rtps.SeqNum(1); sn <= 2; sn++ {
		if rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, sn), 0) != Stored {
			t.Fatalf("receive %d failed", sn)
		}
	}
	if rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, 3), 0) != Rejected {
		t.Errorf("full KEEP_ALL history accepted a change")
	}
}

// Late arrivals older than everything an instance keeps are not stored,
// so KEEP_LAST always holds the newest changes by sequence number.
func TestReaderHistoryKeepLastReordered(t *testing.T) {
	cases := []struct {
		arrivals []rtps.SeqNum
		want     []Admission
		kept     []rtps.SeqNum
	}{
		{
			arrivals: []rtps.SeqNum{2, 3, 1},
			want:     []Admission{Stored, Stored, Superseded},
			kept:     []rtps.SeqNum{2, 3},
		},
		{
			arrivals: []rtps.SeqNum{3, 1, 2},
			want:     []Admission{Stored, Stored, Stored},
			kept:     []rtps.SeqNum{2, 3},
		},
		{
			arrivals: []rtps.SeqNum{5, 4, 1, 6},
			want:     []Admission{Stored, Stored, Superseded, Stored},
			kept:     []rtps.SeqNum{5, 6},
		},
	}

	for i, tc := range cases {
		rh := NewReaderHistory(testConfig(rtps.KeepLast, 2, 0), nil)
		rh.Lock()
		for j, sn := range tc.arrivals {
			ch := newChange(t, rh.History, testWriter, sn)
			got := rh.ReceivedChangeLocked(ch, 0)
			if got != tc.want[j] {
				t.Errorf("[%d] seq %d got %v, want %v", i, sn, got, tc.want[j])
			}
			if got != Stored {
				rh.Release(ch)
			}
		}
		rh.Unlock()
		if diff := cmp.Diff(tc.kept, seqs(rh.History)); diff != "" {
			t.Errorf("[%d] kept changes mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// KEEP_ALL keeps room for changes still missing before the one offered,
// so the change filling a hole always fits.
func TestReaderHistoryKeepAllReservesMissing(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 3), nil)
	rh.Lock()
	defer rh.Unlock()

	cases := []struct {
		seq     rtps.SeqNum
		missing int
		want    Admission
	}{
		{2, 1, Stored},
		{3, 1, Stored},
		{4, 1, Rejected}, // would leave no room for 1
		{1, 0, Stored},
		{4, 0, Rejected}, // full
	}
	for i, tc := range cases {
		ch := newChange(t, rh.History, testWriter, tc.seq)
		got := rh.ReceivedChangeLocked(ch, tc.missing)
		if got != tc.want {
			t.Errorf("[%d] seq %d got %v, want %v", i, tc.seq, got, tc.want)
		}
		if got != Stored {
			rh.Release(ch)
		}
	}
	if rh.LenLocked() != 3 {
		t.Errorf("len got %d, want 3", rh.LenLocked())
	}
}

func TestReaderHistoryDeliverable(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 0), nil)

	rh.Lock()
	for _, sn := range []rtps.SeqNum{1, 2, 5} {
		rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, sn), 0)
	}
	rh.MarkDeliverableLocked(testWriter, 2)
	rh.Unlock()

	if n := rh.UnreadCount(); n != 2 {
		t.Errorf("unread got %d, want 2", n)
	}

	s, ok := rh.ReadNextSample()
	if !ok || s.Info.SeqNum != 1 {
		t.Fatalf("read got %v %v", s.Info.SeqNum, ok)
	}
	s, ok = rh.TakeNextSample()
	if !ok || s.Info.SeqNum != 2 {
		t.Fatalf("take got %v %v", s.Info.SeqNum, ok)
	}
	if _, ok := rh.TakeNextSample(); ok {
		t.Errorf("took a change past the deliverable mark")
	}

	rh.Lock()
	rh.MarkDeliverableLocked(testWriter, 5)
	rh.Unlock()
	s, ok = rh.TakeNextSample()
	if !ok || s.Info.SeqNum != 5 {
		t.Errorf("take after mark got %v %v", s.Info.SeqNum, ok)
	}
	if got := len(rh.Samples()); got != 1 {
		t.Errorf("samples left %d, want 1 (the read one)", got)
	}
}

func TestReaderHistoryWaitForUnread(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 0), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rh.WaitForUnreadMessage(ctx) {
		t.Errorf("wait on an empty history succeeded")
	}

	done := make(chan bool)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- rh.WaitForUnreadMessage(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	rh.Lock()
	rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, 1), 0)
	rh.MarkDeliverableLocked(testWriter, 1)
	rh.Unlock()

	if !<-done {
		t.Errorf("waiter was not woken")
	}
}

func TestReaderHistoryForgetWriter(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 0), nil)
	rh.Lock()
	rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, 1), 0)
	rh.ReceivedChangeLocked(newChange(t, rh.History, otherWriter, 1), 0)
	rh.MarkDeliverableLocked(testWriter, 1)
	rh.MarkDeliverableLocked(otherWriter, 1)
	if n := rh.ForgetWriterLocked(testWriter); n != 1 {
		t.Errorf("forgot %d changes, want 1", n)
	}
	rh.Unlock()

	s, ok := rh.TakeNextSample()
	if !ok || s.Info.WriterGUID != otherWriter {
		t.Errorf("take got %v %v", s.Info.WriterGUID, ok)
	}
}

func TestReaderHistoryPurgeUndeliverable(t *testing.T) {
	rh := NewReaderHistory(testConfig(rtps.KeepAll, 0, 0), nil)
	rh.Lock()
	defer rh.Unlock()
	for _, sn := range []rtps.SeqNum{1, 2, 4, 5} {
		rh.ReceivedChangeLocked(newChange(t, rh.History, testWriter, sn), 0)
	}
	rh.ReceivedChangeLocked(newChange(t, rh.History, otherWriter, 7), 0)

	cases := []struct {
		seq  rtps.SeqNum
		want bool
	}{
		{2, true},
		{2, false}, // nothing new
		{1, false}, // never moves back
	}
	for i, tc := range cases {
		if got := rh.MarkDeliverableLocked(testWriter, tc.seq); got != tc.want {
			t.Errorf("[%d] mark %d got %v want %v", i, tc.seq, got, tc.want)
		}
	}

	if n := rh.PurgeUndeliverableLocked(testWriter); n != 2 {
		t.Errorf("purged %d changes, want 2", n)
	}
	if diff := cmp.Diff([]rtps.SeqNum{1, 2, 7}, func() []rtps.SeqNum {
		var out []rtps.SeqNum
		rh.AscendLocked(func(c *CacheChange) bool {
			out = append(out, c.SeqNum)
			return true
		})
		return out
	}()); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
}
