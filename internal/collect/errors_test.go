package collect

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/i474232898/external-factors/internal/series"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"marked transient", errors.Mark(errors.New("502"), ErrTransient), ErrTransient},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "get"), ErrTransient},
		{"format", errors.Wrap(ErrFormat, "decode"), ErrFormat},
		{"invalid table", errors.Wrap(series.ErrInvalid, "build"), ErrFormat},
		{"permission", errors.Mark(errors.New("403"), ErrPermission), ErrPermission},
		{"cancelled", errors.Wrap(context.Canceled, "get"), context.Canceled},
		{"untyped", errors.New("boom"), ErrUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestReasonFor(t *testing.T) {
	status := &HTTPStatusError{Code: 503, URL: "http://x"}
	assert.Equal(t, "http 503", ReasonFor(errors.Mark(status, ErrTransient)))

	notFound := &HTTPStatusError{Code: 400, URL: "http://x"}
	assert.Equal(t, "http 400", ReasonFor(errors.Mark(notFound, ErrClient)))

	assert.Equal(t, "timeout", ReasonFor(errors.Wrap(context.DeadlineExceeded, "get")))
	assert.Equal(t, "format error", ReasonFor(errors.Mark(errors.New("bad json"), ErrFormat)))
	assert.Equal(t, "permission denied", ReasonFor(errors.Mark(errors.New("403"), ErrPermission)))
	assert.Equal(t, ReasonCancelled, ReasonFor(context.Canceled))
	assert.Equal(t, "unexpected: boom", ReasonFor(errors.New("boom")))
	assert.Equal(t, "", ReasonFor(nil))
}
