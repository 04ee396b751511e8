package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesWorker(t *testing.T) {
	type seen struct {
		name  string
		label string
	}
	ch := make(chan seen, 1)

	Go(nil, "scan-manager", func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "goroutine_name")
		ch <- seen{name: Name(ctx), label: label}
	})

	select {
	case got := <-ch:
		assert.Equal(t, "scan-manager", got.name)
		assert.Equal(t, "scan-manager", got.label)
	case <-time.After(time.Second):
		require.Fail(t, "worker did not run")
	}
}

func TestName_WithoutWorker(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil)) //nolint:staticcheck
}
