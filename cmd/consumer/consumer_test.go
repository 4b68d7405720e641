package main

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// fakeDeclarer fails the first fail calls with err.
type fakeDeclarer struct {
	fail  int
	err   error
	calls int
	got   []models.DriverID
}

func (f *fakeDeclarer) DeclareAvailable(_ context.Context, driverID models.DriverID, _ time.Time, _ models.Point) error {
	f.calls++
	if f.calls <= f.fail {
		return f.err
	}
	f.got = append(f.got, driverID)
	return nil
}

var sampleMsg = availabilityMessage{DriverID: "d1", At: time.Date(2016, 3, 15, 11, 0, 0, 0, time.UTC), Location: models.Point{X: 1, Y: 2}}

func TestDeclareWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeDeclarer{fail: 2, err: storage.ErrUnavailable}
	start := time.Now()
	require.NoError(t, declareWithRetry(context.Background(), f, sampleMsg, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "expected doubling backoff")
}

func TestDeclareWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeDeclarer{fail: 5, err: storage.ErrUnavailable}
	err := declareWithRetry(context.Background(), f, sampleMsg, 3, 5*time.Millisecond)
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 3, f.calls)
}

func TestDeclareWithRetry_InvalidNotRetried(t *testing.T) {
	f := &fakeDeclarer{fail: 5, err: fmt.Errorf("%w: driver id is required", app.ErrInvalid)}
	require.ErrorIs(t, declareWithRetry(context.Background(), f, sampleMsg, 3, time.Millisecond), app.ErrInvalid)
	assert.Equal(t, 1, f.calls)
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, io.EOF
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsume_SkipsInvalidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"driver_id":"d1","at":"2016-03-15T11:00:00Z","location":{"x":1,"y":2}}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"at":"2016-03-15T11:00:00Z"}`)},
		{Value: []byte(`{"driver_id":"d2","at":"2016-03-15T11:01:00Z","location":{"x":3,"y":4}}`)},
	}}
	f := &fakeDeclarer{}

	consume(ctx, r, f, zerolog.Nop())
	assert.Equal(t, []models.DriverID{"d1", "d2"}, f.got)
}

func TestConsume_DeclaresIntoLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := storage.NewMemoryStore()
	coord := app.New(app.Options{Store: store, Log: zerolog.Nop()})
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"driver_id":"d1","at":"2016-03-15T11:00:00Z","location":{"x":1,"y":2}}`)},
	}}

	consume(ctx, r, coord, zerolog.Nop())
	decls := store.Snapshot().Declarations
	require.Len(t, decls, 1)
	assert.Equal(t, models.Point{X: 1, Y: 2}, decls[0].Location)
}

func TestOpenStore_RequiresDSN(t *testing.T) {
	store, err := openStore(context.Background(), config.PostgresConfig{})
	require.ErrorIs(t, err, errNoDSN)
	assert.Nil(t, store)
}
