package rtps

import (
	"testing"
)

func TestUserID(t *testing.T) {
	cases := []struct {
		kind     uint8
		isReader bool
		isWriter bool
		isKeyed  bool
	}{
		{ENTITYID_KIND_READER_NO_KEY, true, false, false},
		{ENTITYID_KIND_WRITER_NO_KEY, false, true, false},
		{ENTITYID_KIND_READER_WITH_KEY, true, false, true},
		{ENTITYID_KIND_WRITER_WITH_KEY, false, true, true},
	}

	var alloc EntityIDAllocator
	seen := make(map[EntityID]bool)
	for i, c := range cases {
		id := alloc.New(c.kind)
		if id.IsReader() != c.isReader {
			t.Errorf("[%d] reader mismatch, got %v want %v", i, id.IsReader(), c.isReader)
		}
		if id.IsWriter() != c.isWriter {
			t.Errorf("[%d] writer mismatch, got %v want %v", i, id.IsWriter(), c.isWriter)
		}
		if id.IsKeyed() != c.isKeyed {
			t.Errorf("[%d] keyed mismatch, got %v want %v", i, id.IsKeyed(), c.isKeyed)
		}
		if id.IsBuiltin() {
			t.Errorf("[%d] builtin mismatch, user id should never be builtin", i)
		}
		if seen[id] {
			t.Errorf("[%d] duplicate id %v", i, id)
		}
		seen[id] = true
	}
}

func TestBuiltinIDs(t *testing.T) {
	cases := []struct {
		id       EntityID
		isReader bool
		isWriter bool
	}{
		{SPDPWriterID, false, true},
		{SPDPReaderID, true, false},
		{SEDPPubWriterID, false, true},
		{SEDPPubReaderID, true, false},
		{SEDPSubWriterID, false, true},
		{SEDPSubReaderID, true, false},
	}

	for i, c := range cases {
		if !c.id.IsBuiltinEndpoint() {
			t.Errorf("[%d] %v should be a builtin endpoint", i, c.id)
		}
		if c.id.IsReader() != c.isReader || c.id.IsWriter() != c.isWriter {
			t.Errorf("[%d] %v role mismatch", i, c.id)
		}
	}
	if EIDParticipant.IsBuiltinEndpoint() {
		t.Errorf("participant id is not an endpoint")
	}
}

func TestGUIDBytes(t *testing.T) {
	prefix := NewGUIDPrefix()
	if prefix.IsUnknown() {
		t.Fatalf("generated prefix is unknown")
	}
	if other := NewGUIDPrefix(); other == prefix {
		t.Errorf("two generated prefixes collide: %v", prefix)
	}

	g := NewGUID(prefix, SEDPPubWriterID)
	out, err := GUIDFromBytes(g.Bytes())
	if err != nil {
		t.Fatalf("GUIDFromBytes: %v", err)
	}
	if out != g {
		t.Errorf("guid mismatch. got %v, want %v", out, g)
	}
	if _, err := GUIDFromBytes(g.Bytes()[:10]); err != ErrShortBuffer {
		t.Errorf("short guid: got %v, want %v", err, ErrShortBuffer)
	}
}

func TestGUIDLess(t *testing.T) {
	a := GUID{Prefix: GUIDPrefix{1}, EntityID: 5}
	b := GUID{Prefix: GUIDPrefix{1}, EntityID: 6}
	c := GUID{Prefix: GUIDPrefix{2}, EntityID: 1}

	if !a.Less(b) || b.Less(a) {
		t.Errorf("entity id ordering broken")
	}
	if !b.Less(c) || c.Less(b) {
		t.Errorf("prefix ordering broken")
	}
	if a.Less(a) {
		t.Errorf("guid less than itself")
	}
}

func TestKeyHash(t *testing.T) {
	long := make([]byte, 20)
	cases := []struct {
		key  []byte
		want string
	}{
		{nil, "00000000000000000000000000000000"},
		{[]byte{0, 0, 0, 1}, "00000001000000000000000000000000"},
		{make([]byte, 16), "00000000000000000000000000000000"},
		// md5 of 20 zero bytes
		{long, "441018525208457705bf09a8ee3c1093"},
	}
	for i, tc := range cases {
		if got := KeyHash(tc.key).String(); got != tc.want {
			t.Errorf("[%d] got %s want %s", i, got, tc.want)
		}
	}
}
