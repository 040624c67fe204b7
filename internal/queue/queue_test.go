package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

func TestSpiderSet(t *testing.T) {
	s := NewSpiderSet([]string{"isuzu", "parts.com", "isuzu", "suzuki"})

	assert.Equal(t, []string{"isuzu", "parts.com", "suzuki"}, s.Names())
	require.NoError(t, s.Check("parts.com"))

	err := s.Check("toyota")
	require.ErrorIs(t, err, scheduler.ErrUnknownSpider)
	assert.Contains(t, err.Error(), "toyota")

	names := s.Names()
	names[0] = "mutated"
	assert.Equal(t, "isuzu", s.Names()[0])

	listing := s.EmptyListing()
	require.Len(t, listing, 3)
	assert.NotNil(t, listing["suzuki"])
	assert.Empty(t, listing["suzuki"])
}
