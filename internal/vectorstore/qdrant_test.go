package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

func TestQdrantConfig_Defaults(t *testing.T) {
	var c QdrantConfig
	c.ApplyDefaults()

	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 6334, c.Port)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, time.Second, c.RetryBackoff)
	assert.Equal(t, 50*1024*1024, c.MaxMessageSize)
	assert.Equal(t, 5, c.CircuitBreakerThreshold)
	assert.Equal(t, qdrant.Distance_Cosine, c.Distance)
	assert.NoError(t, c.Validate())

	c.Port = 70000
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, QdrantConfig{Port: 6334}.Validate(), ErrInvalidConfig)
}

func TestParseDistance(t *testing.T) {
	d, err := ParseDistance("")
	require.NoError(t, err)
	assert.Equal(t, qdrant.Distance_Cosine, d)

	d, err = ParseDistance("Dot")
	require.NoError(t, err)
	assert.Equal(t, qdrant.Distance_Dot, d)

	d, err = ParseDistance("Euclid")
	require.NoError(t, err)
	assert.Equal(t, qdrant.Distance_Euclid, d)

	_, err = ParseDistance("cosine")
	assert.ErrorIs(t, err, content.ErrConfiguration)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.True(t, IsTransientError(status.Error(grpccodes.ResourceExhausted, "busy")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "gone")))
}

func testQdrantStore() *QdrantStore {
	cfg := QdrantConfig{RetryBackoff: time.Millisecond, MaxRetries: 2, CircuitBreakerThreshold: 3}
	cfg.ApplyDefaults()
	return &QdrantStore{config: cfg, logger: zap.NewNop()}
}

func TestRetryOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		s := testQdrantStore()
		calls := 0
		err := s.retryOperation(ctx, "op", func() error {
			calls++
			if calls < 3 {
				return status.Error(grpccodes.Unavailable, "down")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.False(t, s.isCircuitOpen())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		s := testQdrantStore()
		calls := 0
		err := s.retryOperation(ctx, "op", func() error {
			calls++
			return status.Error(grpccodes.InvalidArgument, "bad vector")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, content.ErrStore)
	})

	t.Run("gives up and opens the circuit", func(t *testing.T) {
		s := testQdrantStore()
		calls := 0
		op := func() error {
			calls++
			return status.Error(grpccodes.Unavailable, "down")
		}
		err := s.retryOperation(ctx, "op", op)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 2 retries")
		assert.Equal(t, 3, calls)
		assert.True(t, s.isCircuitOpen())

		err = s.retryOperation(ctx, "op", op)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circuit breaker open")
	})

	t.Run("circuit half-opens after cooldown", func(t *testing.T) {
		s := testQdrantStore()
		s.circuitBreaker.failures = 3
		s.circuitBreaker.lastFail = time.Now().Add(-time.Minute)
		assert.False(t, s.isCircuitOpen())
		assert.Zero(t, s.circuitBreaker.failures)
	})

	t.Run("context cancellation stops backoff", func(t *testing.T) {
		s := testQdrantStore()
		s.config.RetryBackoff = time.Hour
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.retryOperation(cctx, "op", func() error {
			return status.Error(grpccodes.Unavailable, "down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestToQdrantFilter(t *testing.T) {
	assert.Nil(t, toQdrantFilter(content.Filter{}))

	f := toQdrantFilter(content.RefFilter(refPost))
	require.Len(t, f.Must, 2)
	assert.Equal(t, "content_id", f.Must[0].GetField().GetKey())
	assert.Equal(t, int64(7), f.Must[0].GetField().GetMatch().GetInteger())
	assert.Equal(t, "content_type", f.Must[1].GetField().GetKey())
	assert.Equal(t, "post", f.Must[1].GetField().GetMatch().GetKeyword())

	f = toQdrantFilter(content.Filter{ContentType: "page"})
	require.Len(t, f.Must, 1)
}

func TestToQdrantPoint(t *testing.T) {
	rec := record(refPost, 3, 0.1, 0.2)
	rec.Payload.Metadata = map[string]any{"tags": []string{"x"}, "author": map[string]any{"id": 2}}

	p, err := toQdrantPoint(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, extractPointID(p.Id))

	payload := payloadFromMap(extractPayload(p.Payload))
	assert.Equal(t, int64(7), payload.ContentID)
	assert.Equal(t, "post", payload.ContentType)
	assert.Equal(t, 3, payload.ChunkIndex)
	assert.Equal(t, []any{"x"}, payload.Metadata["tags"])
	assert.Equal(t, map[string]any{"id": float64(2)}, payload.Metadata["author"])
}

func TestExtractPointID(t *testing.T) {
	assert.Empty(t, extractPointID(nil))
	assert.Equal(t, "42", extractPointID(qdrant.NewIDNum(42)))
}

func TestExtractValue(t *testing.T) {
	assert.Nil(t, extractValue(nil))
	assert.Equal(t, "s", extractValue(qdrant.NewValueString("s")))
	assert.Equal(t, int64(5), extractValue(qdrant.NewValueInt(5)))
	assert.Equal(t, 1.5, extractValue(qdrant.NewValueDouble(1.5)))
	assert.Equal(t, true, extractValue(qdrant.NewValueBool(true)))
	assert.Equal(t, []any{"a", int64(1)}, extractValue(qdrant.NewValueFromList(qdrant.NewValueString("a"), qdrant.NewValueInt(1))))
	assert.Nil(t, extractValue(qdrant.NewValueNull()))
}
