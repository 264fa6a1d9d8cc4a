package app_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-idea-evolver/internal/app"
)

type pingOK struct{}

func (pingOK) Ping(context.Context) error { return nil }

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

type redisResult struct{ err error }

func (r redisResult) Err() error { return r.err }

type redisFake struct{ err error }

func (r redisFake) Ping(context.Context) app.RedisPingResult { return redisResult{err: r.err} }

func TestBuildReadinessChecks(t *testing.T) {
	db, redis, queue := app.BuildReadinessChecks(pingOK{}, redisFake{}, pingOK{})
	require.NoError(t, db(t.Context()))
	require.NoError(t, redis(t.Context()))
	require.NoError(t, queue(t.Context()))

	boom := fmt.Errorf("down")
	db, redis, queue = app.BuildReadinessChecks(pingErr{err: boom}, redisFake{err: boom}, pingErr{err: boom})
	require.ErrorIs(t, db(t.Context()), boom)
	require.ErrorIs(t, redis(t.Context()), boom)
	require.ErrorIs(t, queue(t.Context()), boom)
}

func TestBuildReadinessChecks_NilDeps(t *testing.T) {
	db, redis, queue := app.BuildReadinessChecks(nil, nil, nil)
	require.Error(t, db(t.Context()))
	require.Error(t, redis(t.Context()))
	require.Error(t, queue(t.Context()))
}
