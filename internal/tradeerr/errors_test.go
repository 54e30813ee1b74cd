package tradeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := Wrap(KindPartialExecution, "executor.leg2", errors.New("quote failed"))

	assert.True(t, errors.Is(err, ErrPartialExecution))
	assert.False(t, errors.Is(err, ErrExternalService))
	assert.Equal(t, KindPartialExecution, KindOf(err))
	assert.Equal(t, "executor.leg2: quote failed", err.Error())
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindAdmissionDenied, "risk", "daily loss limit reached")
	err := fmt.Errorf("attempt abc: %w", inner)

	assert.True(t, errors.Is(err, ErrAdmissionDenied))
	assert.Equal(t, KindAdmissionDenied, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindPersistence, "store", nil))
}

func TestErrorMessageForms(t *testing.T) {
	assert.Equal(t, "op: msg: cause", (&Error{Kind: KindConfiguration, Op: "op", Msg: "msg", Err: errors.New("cause")}).Error())
	assert.Equal(t, "quote_unavailable", (&Error{Kind: KindQuoteUnavailable}).Error())
	assert.Equal(t, "unknown token FOO", Newf(KindConfiguration, "", "unknown token %s", "FOO").Error())
}
