package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.backoffUnit = time.Millisecond
	return s
}

func recorder(events *[]string, name string, requires ...string) *Func {
	return &Func{
		Name:     name,
		Requires: requires,
		StartFunc: func(context.Context) error {
			*events = append(*events, "start "+name)
			return nil
		},
		StopFunc: func(context.Context) error {
			*events = append(*events, "stop "+name)
			return nil
		},
	}
}

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var events []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&events, "http", "engine"))
	s.AddDependency(recorder(&events, "engine", "postgres", "redis"))
	s.AddDependency(recorder(&events, "redis"))
	s.AddDependency(recorder(&events, "postgres"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start postgres", "start redis", "start engine", "start http"}, events)
	assert.Equal(t, StatusStarted, s.Status("http"))

	events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop http", "stop engine", "stop redis", "stop postgres"}, events)
	assert.Equal(t, StatusStopped, s.Status("postgres"))
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	attempts := 0
	s := newTestStartup(3)
	s.AddDependency(&Func{
		Name: "postgres",
		StartFunc: func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestStartup_GivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	s := newTestStartup(2)
	s.AddDependency(&Func{Name: "kafka", StartFunc: func(context.Context) error { return refused }})

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StatusFailed, s.Status("kafka"))
}

func TestStartup_UnknownAndCyclicDependencies(t *testing.T) {
	s := newTestStartup(1)
	s.AddDependency(&Func{Name: "engine", Requires: []string{"missing"}})
	assert.ErrorContains(t, s.Start(context.Background()), "unknown startup dependency 'missing'")

	s = newTestStartup(1)
	s.AddDependency(&Func{Name: "a", Requires: []string{"b"}})
	s.AddDependency(&Func{Name: "b", Requires: []string{"a"}})
	assert.ErrorContains(t, s.Start(context.Background()), "cycle")
}
