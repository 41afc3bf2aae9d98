package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairline/trader/internal/eventbus"
	"github.com/fairline/trader/internal/persistence/migrations"
	pgstore "github.com/fairline/trader/internal/persistence/postgres"
	"github.com/fairline/trader/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "trader"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := startContainer(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres tests skipped: container start: %v\n", err)
		os.Exit(0)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

// startContainer converts testcontainers' panic on missing Docker host
// discovery into an error so TestMain's skip branch is reachable.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (c testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/trader?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	testPool = pool
	return nil
}

func event(seq uint64, kind schema.EventKind) schema.AuditEvent {
	return schema.AuditEvent{
		Sequence:  seq,
		Kind:      kind,
		OrderID:   fmt.Sprintf("ord-%d", seq),
		MarketID:  "m1",
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Payload:   map[string]any{"size": "10", "price": "2.5"},
	}
}

func TestAppendIsIdempotentOnSequence(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewAuditStore(testPool)

	evt := event(1, schema.EventOrderAccepted)
	require.NoError(t, store.Append(ctx, evt))
	require.NoError(t, store.Append(ctx, evt))

	events, err := store.Replay(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, schema.EventOrderAccepted, events[0].Kind)
	require.Equal(t, "ord-1", events[0].OrderID)
	require.Equal(t, "10", events[0].Payload["size"])
}

func TestReplayFromSequence(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewAuditStore(testPool)

	for seq := uint64(10); seq <= 14; seq++ {
		require.NoError(t, store.Append(ctx, event(seq, schema.EventOrderFilled)))
	}

	events, err := store.Replay(ctx, 12, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, uint64(12), events[0].Sequence)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, last, uint64(14))
}

func TestAppendRejectsMissingSequence(t *testing.T) {
	store := pgstore.NewAuditStore(testPool)
	require.Error(t, store.Append(context.Background(), schema.AuditEvent{Kind: schema.EventOrderAccepted}))
}

func TestRunPersistsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bus numbers from 1; clear rows from earlier tests so the
	// idempotent insert cannot collide with their sequences.
	_, err := testPool.Exec(ctx, "TRUNCATE audit_events")
	require.NoError(t, err)
	store := pgstore.NewAuditStore(testPool)

	bus := eventbus.NewBus(eventbus.Config{})
	defer bus.Close()

	done := make(chan error, 1)
	go func() { done <- store.Run(ctx, bus) }()

	kinds := []schema.EventKind{schema.EventOrderAccepted, schema.EventOrderFilled, schema.EventOrderCancelled}
	var lastSeq uint64
	for _, kind := range kinds {
		evt, err := bus.Publish(ctx, schema.AuditEvent{Kind: kind, OrderID: "ord-run", Timestamp: time.Now().UTC()})
		require.NoError(t, err)
		lastSeq = evt.Sequence
	}

	require.Eventually(t, func() bool {
		events, err := store.Replay(ctx, lastSeq-uint64(len(kinds)-1), 10)
		if err != nil {
			return false
		}
		persisted := 0
		for _, evt := range events {
			if evt.OrderID == "ord-run" {
				persisted++
			}
		}
		return persisted == len(kinds)
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
