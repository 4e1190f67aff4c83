package content

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef(t *testing.T) {
	r := Ref{ID: 42, Type: "post"}
	assert.Equal(t, "post:42", r.String())
	assert.NoError(t, r.Validate())

	assert.Error(t, Ref{ID: 0, Type: "post"}.Validate())
	assert.Error(t, Ref{ID: 1}.Validate())
	assert.Error(t, Ref{ID: 1, Type: "a/b"}.Validate())
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("delete")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op)

	_, err = ParseOperation("purge")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusQueued, true},
		{StatusNone, StatusProcessing, true},
		{StatusNone, StatusIndexed, false},
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusIndexed, false},
		{StatusQueued, StatusFailed, false},
		{StatusProcessing, StatusIndexed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusIndexed, StatusProcessing, true},
		{StatusIndexed, StatusFailed, false},
		{StatusFailed, StatusQueued, true},
		{StatusFailed, StatusIndexed, false},
		{StatusFailed, StatusFailed, true},
		{StatusIndexed, StatusIndexed, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestFilter(t *testing.T) {
	p := Payload{ContentID: 7, ContentType: "page"}

	assert.True(t, Filter{}.Matches(p))
	assert.True(t, Filter{}.IsEmpty())
	assert.True(t, RefFilter(Ref{ID: 7, Type: "page"}).Matches(p))
	assert.False(t, RefFilter(Ref{ID: 7, Type: "post"}).Matches(p))
	assert.False(t, Filter{ContentID: 8}.Matches(p))
	assert.True(t, Filter{ContentType: "page"}.Matches(p))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("embed: %w", ErrProvider)))
	assert.True(t, IsRetryable(fmt.Errorf("insert: %w", ErrStore)))
	assert.True(t, IsRetryable(fmt.Errorf("boom")))
	assert.False(t, IsRetryable(fmt.Errorf("no provider: %w", ErrConfiguration)))
	assert.False(t, IsRetryable(fmt.Errorf("pdf: %w", ErrExtraction)))
	assert.False(t, IsRetryable(nil))
}
