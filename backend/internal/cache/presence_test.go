package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceMembersExpire(t *testing.T) {
	mr, rdb := newTestRedis(t)
	clock := newFakeClock(mr)
	p := NewRedisPresence(rdb, "calc", clock.Now)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "est-1", PresenceMember{UserID: "u1", DisplayName: "Ann", Role: "editor"}, time.Minute))
	require.NoError(t, p.AddMember(ctx, "est-1", PresenceMember{UserID: "u2", DisplayName: "Bo"}, 10*time.Second))

	members, err := p.AliveMembers(ctx, "est-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{
		{UserID: "u1", DisplayName: "Ann", Role: "editor"},
		{UserID: "u2", DisplayName: "Bo"},
	}, members)

	clock.Advance(20 * time.Second)
	members, err = p.AliveMembers(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: "u1", DisplayName: "Ann", Role: "editor"}}, members)
	assert.Empty(t, mr.HGet(presenceNamesKey("calc", "est-1"), "u2"), "expired profile is swept")
}

func TestPresenceRemoveAndRooms(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewRedisPresence(rdb, "calc", nil)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "r1", PresenceMember{UserID: "u1"}, time.Minute))
	require.NoError(t, p.AddMember(ctx, "r2", PresenceMember{UserID: "u2"}, time.Minute))
	rooms, err := p.Rooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2"}, rooms)

	require.NoError(t, p.RemoveMember(ctx, "r1", "u1"))
	members, err := p.AliveMembers(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPresenceCursor(t *testing.T) {
	mr, rdb := newTestRedis(t)
	p := NewRedisPresence(rdb, "calc", nil)
	ctx := context.Background()

	_, err := p.GetCursor(ctx, "r1", "u1")
	assert.True(t, errors.Is(err, ErrMiss))

	require.NoError(t, p.SetCursor(ctx, "r1", "u1", []byte(`{"x":1,"y":2}`), time.Minute))
	got, err := p.GetCursor(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(got))

	mr.FastForward(time.Minute)
	_, err = p.GetCursor(ctx, "r1", "u1")
	assert.ErrorIs(t, err, ErrMiss)
}
