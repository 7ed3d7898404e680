package remote

import "testing"

type fakeResource struct {
	user string
	uuid string
	tag  string
}

func (f *fakeResource) ResourceUser() string { return f.user }
func (f *fakeResource) ResourceUUID() string { return f.uuid }
func (f *fakeResource) ResourceTag() string  { return f.tag }

func TestTaggedCollectionAddAndGet(t *testing.T) {
	c := NewTaggedCollection[*fakeResource]()
	r := &fakeResource{user: "alice", uuid: "uuid-1", tag: "web"}
	if err := c.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := c.Get("alice", "uuid-1")
	if err != nil || got != r {
		t.Fatalf("Get by uuid failed: %v", err)
	}
	got, err = c.Get("alice", "web")
	if err != nil || got != r {
		t.Fatalf("Get by tag failed: %v", err)
	}
	got, err = c.Get("alice", "uuid-1:web")
	if err != nil || got != r {
		t.Fatalf("Get by uuid:tag failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", c.Len())
	}
}

func TestTaggedCollectionNamespacedByUser(t *testing.T) {
	c := NewTaggedCollection[*fakeResource]()
	a := &fakeResource{user: "alice", uuid: "uuid-1", tag: "web"}
	b := &fakeResource{user: "bob", uuid: "uuid-2", tag: "web"}
	if err := c.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := c.Add(b); err != nil {
		t.Fatalf("Add b (same tag, different user): %v", err)
	}

	got, err := c.Get("bob", "web")
	if err != nil || got != b {
		t.Fatalf("expected to fetch bob's resource, got %v %v", got, err)
	}
}

func TestTaggedCollectionClashRejectedAtomically(t *testing.T) {
	c := NewTaggedCollection[*fakeResource]()
	first := &fakeResource{user: "alice", uuid: "uuid-1", tag: "web"}
	if err := c.Add(first); err != nil {
		t.Fatalf("Add first: %v", err)
	}

	clashingTag := &fakeResource{user: "alice", uuid: "uuid-2", tag: "web"}
	if err := c.Add(clashingTag); err == nil {
		t.Fatalf("expected a tag clash to be rejected")
	}
	if c.Len() != 1 {
		t.Fatalf("expected rejected add to leave collection untouched, Len=%d", c.Len())
	}
	if _, err := c.Get("alice", "uuid-2"); err == nil {
		t.Fatalf("expected no partial insert of uuid-2 after a tag clash")
	}

	clashingUUID := &fakeResource{user: "alice", uuid: "uuid-1", tag: "other"}
	if err := c.Add(clashingUUID); err == nil {
		t.Fatalf("expected a uuid clash to be rejected")
	}
	if _, err := c.Get("alice", "other"); err == nil {
		t.Fatalf("expected no partial insert of tag 'other' after a uuid clash")
	}
}

func TestTaggedCollectionRemove(t *testing.T) {
	c := NewTaggedCollection[*fakeResource]()
	r := &fakeResource{user: "alice", uuid: "uuid-1", tag: "web"}
	if err := c.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.Remove(r)
	if c.Len() != 0 {
		t.Fatalf("expected Len 0 after remove, got %d", c.Len())
	}
	if _, err := c.Get("alice", "uuid-1"); err == nil {
		t.Fatalf("expected uuid key to be gone after remove")
	}
	if _, err := c.Get("alice", "web"); err == nil {
		t.Fatalf("expected tag key to be gone after remove")
	}
}

func TestTaggedCollectionUntaggedResource(t *testing.T) {
	c := NewTaggedCollection[*fakeResource]()
	r := &fakeResource{user: "alice", uuid: "uuid-1"}
	if err := c.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	values := c.Values()
	if len(values) != 1 || values[0] != r {
		t.Fatalf("expected Values to contain exactly r, got %v", values)
	}
}

func TestValidateTag(t *testing.T) {
	cases := []struct {
		tag     string
		wantErr bool
	}{
		{"", true},
		{"web-server_1.prod", false},
		{"Has Spaces", true},
		{"hasSlash/", true},
		{"ab23456789AB23456789AB", true}, // 22 chars, looks like a shortuuid
	}
	for _, c := range cases {
		err := ValidateTag(c.tag)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateTag(%q) error = %v, wantErr %v", c.tag, err, c.wantErr)
		}
	}
}
