package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode_Classification(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("%w: bad settings", ErrConfig)))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("%w: replica behind", ErrValidation)))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("%w: unknown type", ErrData)))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("%w: refresh failed", ErrAuth)))
	assert.Equal(t, 2, ExitCode(errors.New("anything else")))
}

func TestFatal_Classification(t *testing.T) {
	assert.True(t, Fatal(fmt.Errorf("%w: bad settings", ErrConfig)))
	assert.True(t, Fatal(fmt.Errorf("%w: refresh rejected", ErrAuth)))
	assert.True(t, Fatal(fmt.Errorf("%w: HTTP 403", ErrPermanentFetch)))
	assert.True(t, Fatal(fmt.Errorf("%w: replica behind", ErrValidation)))
	assert.True(t, Fatal(fmt.Errorf("%w: row count mismatch", ErrUpsert)))
	assert.False(t, Fatal(fmt.Errorf("%w: timeout", ErrTransientFetch)))
	assert.False(t, Fatal(fmt.Errorf("%w: unknown type", ErrData)))
	assert.False(t, Fatal(errors.New("socket closed")))
}

func TestSentinels_SurviveWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("%w: inner detail", ErrUpsert))
	assert.True(t, errors.Is(err, ErrUpsert))
	assert.False(t, errors.Is(err, ErrConfig))
}
