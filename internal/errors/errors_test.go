package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrUploadInFlight,
		ErrItemNotFound,
		ErrNotRetryable,
		ErrEmptySelection,
		ErrAllCopiesFailed,
		ErrMissingSiteURL,
		ErrMissingUsername,
		ErrMissingPassword,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	errs := sentinels()
	for i := 0; i < len(errs); i++ {
		for j := i + 1; j < len(errs); j++ {
			assert.NotEqual(t, errs[i], errs[j],
				"sentinel errors should be distinct: %q vs %q", errs[i], errs[j])
		}
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUploadInFlight, "another upload is already in flight"},
		{ErrItemNotFound, "file item not found"},
		{ErrNotRetryable, "item is not in a failed or canceled state"},
		{ErrEmptySelection, "empty selection"},
		{ErrAllCopiesFailed, "staging failed for every source file"},
		{ErrMissingSiteURL, "missing site URL in settings"},
		{ErrMissingUsername, "missing username in settings"},
		{ErrMissingPassword, "missing application password in settings"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
