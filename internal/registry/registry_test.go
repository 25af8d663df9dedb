package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmq/kestrel/internal/message"
)

func reg(id, typ string, caps ...string) message.Registration {
	return message.Registration{
		ServiceID:    id,
		ServiceName:  id + "-name",
		ServiceType:  typ,
		Capabilities: caps,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck", "shuffle"))
	r.Upsert(reg("S1", "Deck", "shuffle", "deal"))

	got, ok := r.Find("S1")
	assert.True(t, ok)
	assert.Equal(t, []string{"shuffle", "deal"}, got.Capabilities)
	assert.Equal(t, 1, r.Count())
}

func TestRemoveOnDisconnect(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck", "shuffle"))
	r.BindPeer("peer-1", "S1")

	removed := r.RemovePeer("peer-1")
	assert.Equal(t, "S1", removed)

	_, ok := r.Find("S1")
	assert.False(t, ok)
	_, ok = r.ServiceIDForPeer("peer-1")
	assert.False(t, ok)
}

func TestPeerForService(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.BindPeer("peer-1", "S1")

	peer, ok := r.PeerForService("S1")
	assert.True(t, ok)
	assert.Equal(t, "peer-1", peer)

	r.RemovePeer("peer-1")
	_, ok = r.PeerForService("S1")
	assert.False(t, ok)
}

func TestRemovePeerUnknownReturnsEmpty(t *testing.T) {
	r := New()
	assert.Equal(t, "", r.RemovePeer("ghost"))
}

func TestRemoveScrubsPeerBinding(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.BindPeer("peer-1", "S1")

	r.Remove("S1")

	_, ok := r.ServiceIDForPeer("peer-1")
	assert.False(t, ok)
}

func TestFindByTypeCaseInsensitive(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.Upsert(reg("S2", "deck"))
	r.Upsert(reg("S3", "Hand"))

	got := r.FindByType("DECK")
	assert.Len(t, got, 2)
}

func TestFindByTypeEmptyMatchesAll(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.Upsert(reg("S2", "Hand"))

	assert.Len(t, r.FindByType(""), 2)
}

func TestFindByCapabilityCaseSensitive(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck", "Shuffle"))
	r.Upsert(reg("S2", "Deck", "shuffle"))

	got := r.FindByCapability("shuffle")
	assert.Len(t, got, 1)
	assert.Equal(t, "S2", got[0].ServiceID)
}

func TestDiscoverCombinesTypeAndCapability(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck", "shuffle"))
	r.Upsert(reg("S2", "Deck", "deal"))
	r.Upsert(reg("S3", "Hand", "shuffle"))

	got := r.Discover("Deck", "shuffle")
	assert.Len(t, got, 1)
	assert.Equal(t, "S1", got[0].ServiceID)
}

func TestDiscoverEmptyCriteriaMatchesAll(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.Upsert(reg("S2", "Hand"))

	assert.Len(t, r.Discover("", ""), 2)
}

func TestClear(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))
	r.BindPeer("peer-1", "S1")

	r.Clear()

	assert.Equal(t, 0, r.Count())
	_, ok := r.ServiceIDForPeer("peer-1")
	assert.False(t, ok)
}

func TestSnapshotIsIndependentOfConcurrentMutation(t *testing.T) {
	r := New()
	r.Upsert(reg("S1", "Deck"))

	got := r.FindByType("Deck")
	r.Upsert(reg("S2", "Deck"))

	assert.Len(t, got, 1)
	assert.Equal(t, 2, r.Count())
}
