package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestReviewIDStable(t *testing.T) {
	t.Parallel()

	a := ReviewID("https://example.com/book/a/", "Anna", "2024-01-02", "Отличная книга")
	b := ReviewID("https://example.com/book/a/", "Anna", "2024-01-02", "Отличная книга")
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	other := ReviewID("https://example.com/book/b/", "Anna", "2024-01-02", "Отличная книга")
	require.NotEqual(t, a, other)
}

func TestReviewIDIgnoresTextPastPrefix(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("я", 200)
	require.Equal(t,
		ReviewID("u", "a", "", prefix+" first ending"),
		ReviewID("u", "a", "", prefix+" second ending"),
	)
	require.NotEqual(t,
		ReviewID("u", "a", "", strings.Repeat("я", 199)+"x"),
		ReviewID("u", "a", "", strings.Repeat("я", 199)+"y"),
	)
}
