package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/window"
)

func TestMemory_LiveKeyUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := sampleRun()
	require.NoError(t, m.Insert(ctx, first))

	second := sampleRun()
	second.RunID = "second"
	assert.ErrorIs(t, m.Insert(ctx, second), run.ErrDuplicateKey)

	// Once the first run is terminal the key is free again.
	done := *first
	done.State = run.Cancelled
	done.Version = 2
	require.NoError(t, m.Update(ctx, &done, 1))
	require.NoError(t, m.Insert(ctx, second))

	live, err := m.FindLive(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "second", live.RunID)
}

func TestMemory_UpdateVersionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := sampleRun()
	require.NoError(t, m.Insert(ctx, r))

	next := *r
	next.State = run.Running
	next.Version = 2
	require.NoError(t, m.Update(ctx, &next, 1))

	stale := *r
	stale.State = run.Cancelled
	stale.Version = 2
	assert.ErrorIs(t, m.Update(ctx, &stale, 1), run.ErrVersionConflict)

	got, err := m.Get(ctx, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Running, got.State)
}

func TestMemory_UpdateRevivingTakenKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	failed := sampleRun()
	failed.State = run.Failed
	require.NoError(t, m.Insert(ctx, failed))

	holder := sampleRun()
	holder.RunID = "holder"
	require.NoError(t, m.Insert(ctx, holder))

	retry := *failed
	retry.State = run.Queued
	retry.Version = 2
	assert.ErrorIs(t, m.Update(ctx, &retry, 1), run.ErrDuplicateKey)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, sampleRun()))

	got, err := m.Get(ctx, sampleRun().RunID)
	require.NoError(t, err)
	got.State = run.Succeeded

	again, err := m.Get(ctx, got.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Queued, again.State)
}

func TestMemory_Rules(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CreateRule(ctx, hourlyLimit())
	require.NoError(t, err)

	_, err = m.CreateRule(ctx, hourlyLimit())
	assert.ErrorIs(t, err, policy.ErrRuleExists)

	sameScope := hourlyLimit()
	sameScope.Code = "R2"
	_, err = m.CreateRule(ctx, sameScope)
	assert.ErrorIs(t, err, policy.ErrRuleConflict)

	// A daily limit over the same users is a different scope.
	daily := hourlyLimit()
	daily.Code = "R3"
	daily.Period = window.Day
	daily.Sequence = 5
	_, err = m.CreateRule(ctx, daily)
	require.NoError(t, err)

	// Inactive rules never conflict.
	sameScope.Active = false
	_, err = m.CreateRule(ctx, sameScope)
	require.NoError(t, err)

	all, err := m.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "R3", all[0].Code)

	active, err := m.ActiveRules(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Activating R2 would collide with R1.
	sameScope.Active = true
	_, err = m.UpdateRule(ctx, sameScope)
	assert.ErrorIs(t, err, policy.ErrRuleConflict)

	missing := hourlyLimit()
	missing.Code = "R9"
	got, err := m.UpdateRule(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_Clients(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c, key, err := m.CreateClient(ctx, CreateClientParams{Name: "bot", Principal: "bot", Groups: []string{"ops"}})
	require.NoError(t, err)

	found, err := m.LookupByPrefix(ctx, key[:KeyPrefixLen])
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)

	rotated, newKey, err := m.RotateAPIKey(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, key, newKey)
	assert.Equal(t, newKey[:KeyPrefixLen], rotated.APIKeyPrefix)

	require.NoError(t, m.DeleteClient(ctx, c.ID))
	assert.ErrorIs(t, m.DeleteClient(ctx, c.ID), sql.ErrNoRows)

	gone, err := m.GetClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
