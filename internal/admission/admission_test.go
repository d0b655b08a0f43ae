package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/state"
)

func TestBootstrapAndInviteJoin(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")

	require.NoError(t, bb.Bootstrap("backbone", []string{"always-on"}))

	rec, ok := doc.Get(state.Nodes, "bb1")
	require.True(t, ok)
	assert.Equal(t, "backbone", state.AsString(rec["tier"]))

	// Second bootstrap is rejected.
	err := bb.Bootstrap("backbone", nil)
	assert.Equal(t, fault.InvalidState, fault.KindOf(err))

	res, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)

	e1 := New(doc, "e1")
	require.NoError(t, e1.JoinWithToken(res.Token, "e1"))
	assert.True(t, doc.Has(state.Nodes, "e1"))
	assert.False(t, doc.Has(state.PendingInvites, res.Token), "invite is single-use")

	// Second join with the same token fails.
	err = e1.JoinWithToken(res.Token, "e1")
	assert.Equal(t, fault.InvalidToken, fault.KindOf(err))
}

func TestInviteRequiresBackboneTier(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	require.NoError(t, bb.Bootstrap("backbone", nil))

	res, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)
	e1 := New(doc, "e1")
	require.NoError(t, e1.JoinWithToken(res.Token, "e1"))

	_, err = e1.GenerateInvite("edge", "", 0)
	assert.Equal(t, fault.NotAuthorized, fault.KindOf(err))
}

func TestInviteExpiry(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	now := time.Now()
	bb.SetNowFunc(func() time.Time { return now })
	require.NoError(t, bb.Bootstrap("backbone", nil))

	res, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)

	bb.SetNowFunc(func() time.Time { return now.Add(InviteTTL + time.Second) })
	err = bb.JoinWithToken(res.Token, "e1")
	assert.Equal(t, fault.ExpiredToken, fault.KindOf(err))
}

func TestInviteNodeBinding(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	require.NoError(t, bb.Bootstrap("backbone", nil))

	res, err := bb.GenerateInvite("edge", "edge-7", 0)
	require.NoError(t, err)

	err = bb.JoinWithToken(res.Token, "edge-8")
	assert.Equal(t, fault.NodeMismatch, fault.KindOf(err))

	require.NoError(t, bb.JoinWithToken(res.Token, "edge-7"))
}

func TestTicketLifecycle(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	require.NoError(t, bb.Bootstrap("backbone", nil))

	invite, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)

	ticket, err := bb.MintWSTicketFromInvite(invite.Token, "e1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, ticket.Ticket)

	// Wrong node is rejected, ticket still usable.
	err = bb.ConsumeWSTicket(ticket.Ticket, "mallory")
	assert.Equal(t, fault.TicketNodeMismatch, fault.KindOf(err))

	require.NoError(t, bb.ConsumeWSTicket(ticket.Ticket, "e1"))
	assert.True(t, doc.Has(state.Nodes, "e1"))
	assert.False(t, doc.Has(state.PendingInvites, invite.Token))

	// Second consumption fails with ticket_already_used.
	err = bb.ConsumeWSTicket(ticket.Ticket, "e1")
	assert.Equal(t, fault.TicketAlreadyUsed, fault.KindOf(err))
}

func TestTicketTTLClamp(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	require.NoError(t, bb.Bootstrap("backbone", nil))
	invite, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)

	for _, ttl := range []time.Duration{4 * time.Second, 11 * time.Minute} {
		_, err := bb.MintWSTicketFromInvite(invite.Token, "e1", ttl)
		assert.Equal(t, fault.InvalidParams, fault.KindOf(err), "ttl %s", ttl)
	}

	// Boundary values are accepted.
	_, err = bb.MintWSTicketFromInvite(invite.Token, "e1", TicketTTLMin)
	assert.NoError(t, err)
	_, err = bb.MintWSTicketFromInvite(invite.Token, "e1", TicketTTLMax)
	assert.NoError(t, err)
}

func TestTicketExpiry(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	now := time.Now()
	bb.SetNowFunc(func() time.Time { return now })
	require.NoError(t, bb.Bootstrap("backbone", nil))
	invite, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)
	ticket, err := bb.MintWSTicketFromInvite(invite.Token, "e1", 0)
	require.NoError(t, err)

	bb.SetNowFunc(func() time.Time { return now.Add(TicketTTLDefault + time.Second) })
	err = bb.ConsumeWSTicket(ticket.Ticket, "e1")
	assert.Equal(t, fault.ExpiredTicket, fault.KindOf(err))
}

func TestRevoke(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	require.NoError(t, bb.Bootstrap("backbone", nil))
	invite, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)
	require.NoError(t, bb.JoinWithToken(invite.Token, "e1"))

	doc.Transact(func(tx *state.Txn) {
		tx.SetField(state.Pulse, "e1", "lastSeen", time.Now().UnixMilli())
		tx.Set(state.Context, "e1", map[string]any{"currentFocus": "x"})
	})

	err = bb.Revoke("bb1")
	assert.Equal(t, fault.InvalidParams, fault.KindOf(err), "revoking self is refused")

	require.NoError(t, bb.Revoke("e1"))
	assert.False(t, doc.Has(state.Nodes, "e1"))
	assert.False(t, doc.Has(state.Pulse, "e1"))
	assert.False(t, doc.Has(state.Context, "e1"))
}

func TestIsNodeAuthorized(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")

	// Bootstrap mode: empty nodes map authorizes anyone.
	assert.True(t, bb.IsNodeAuthorized("whoever"))

	require.NoError(t, bb.Bootstrap("backbone", nil))
	assert.True(t, bb.IsNodeAuthorized("bb1"))
	assert.False(t, bb.IsNodeAuthorized("stranger"))

	// A live heartbeat authorizes a node membership has not reached.
	doc.Transact(func(tx *state.Txn) {
		tx.SetField(state.Pulse, "lagging", "lastSeen", time.Now().UnixMilli())
	})
	assert.True(t, bb.IsNodeAuthorized("lagging"))

	// Hosting a registered internal agent authorizes a node.
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Agents, "helper", map[string]any{"type": "internal", "gateway": "hoster"})
	})
	assert.True(t, bb.IsNodeAuthorized("hoster"))
}

func TestPruneExpired(t *testing.T) {
	doc := state.New("bb1")
	bb := New(doc, "bb1")
	now := time.Now()
	bb.SetNowFunc(func() time.Time { return now })
	require.NoError(t, bb.Bootstrap("backbone", nil))

	fresh, err := bb.GenerateInvite("edge", "", 0)
	require.NoError(t, err)
	stale, err := bb.GenerateInvite("edge", "", time.Minute)
	require.NoError(t, err)

	bb.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	pruned := bb.PruneExpired()
	assert.Equal(t, 1, pruned)
	assert.True(t, doc.Has(state.PendingInvites, fresh.Token))
	assert.False(t, doc.Has(state.PendingInvites, stale.Token))
}
