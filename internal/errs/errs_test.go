package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReason(t *testing.T) {
	err := fmt.Errorf("record 3: %w", &ValidationError{Reason: ReasonInvalidTimestamp, Field: "timestamp", Detail: "yesterday"})
	assert.Equal(t, ReasonInvalidTimestamp, Reason(err))
	assert.Equal(t, "record 3: validation failed: invalid_timestamp (timestamp): yesterday", err.Error())
	assert.Empty(t, Reason(errors.New("boom")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := fmt.Errorf("commit: %w", &IntegrityError{Key: "acct-1|aws-ec2|2024-03-01", Err: cause})

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "acct-1|aws-ec2|2024-03-01", integrity.Key)
	assert.ErrorIs(t, err, cause)

	res := &ResolutionError{ServiceName: "Mystery", Err: ErrNotFound}
	assert.ErrorIs(t, res, ErrNotFound)
	assert.Equal(t, `cannot resolve service "Mystery": not found`, res.Error())
}
