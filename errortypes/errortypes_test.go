package errortypes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadCode(t *testing.T) {
	testCases := []struct {
		description  string
		err          error
		expectedCode int
	}{
		{"timeout", &Timeout{Message: "t"}, TimeoutErrorCode},
		{"bad-input", &BadInput{Message: "b"}, BadInputErrorCode},
		{"bad-server-response", &BadServerResponse{Message: "b"}, BadServerResponseErrorCode},
		{"panic", &BidderPanic{Message: "p"}, BidderPanicErrorCode},
		{"warning", &Warning{Message: "w", WarningCode: CacheWarningCode}, CacheWarningCode},
		{"plain", errors.New("plain"), UnknownErrorCode},
	}

	for _, test := range testCases {
		assert.Equal(t, test.expectedCode, ReadCode(test.err), test.description)
	}
}

func TestSeverity(t *testing.T) {
	errs := []error{
		&Warning{Message: "w1"},
		&Timeout{Message: "t"},
		errors.New("unknown"),
		&Warning{Message: "w2"},
	}

	assert.True(t, ContainsFatalError(errs))
	assert.Len(t, FatalOnly(errs), 2)
	assert.Len(t, WarningOnly(errs), 2)
	assert.False(t, ContainsFatalError(WarningOnly(errs)))
	assert.True(t, IsWarning(&Warning{}))
	assert.False(t, IsWarning(&BadInput{}))
}

func TestAggregateErrors(t *testing.T) {
	assert.Equal(t, "", NewAggregateErrors("validation errors", nil).Error())

	one := NewAggregateErrors("validation errors", []error{errors.New("a")})
	assert.Equal(t, "validation errors (1 error):\n  1: a\n", one.Error())

	two := NewAggregateErrors("validation errors", []error{errors.New("a"), errors.New("b")})
	assert.Equal(t, "validation errors (2 errors):\n  1: a\n  2: b\n", two.Error())
}
