package apperr

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindUnknown},
		{"validation", Validation("name is required"), KindValidation},
		{"field validation", FieldValidation("name", "is required"), KindValidation},
		{"not found", NotFound("run", "r1"), KindNotFound},
		{"timeout", &TimeoutError{TaskID: "t1", Attempts: 60}, KindTimeout},
		{"wrapped not found", eris.Wrap(NotFound("run", "r1"), "registry: get run"), KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "name: is required", FieldValidation("name", "is required").Error())
	assert.Equal(t, "nothing to save", Validation("nothing to save").Error())
}

func TestTimeoutError_MentionsServerSide(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{TaskID: "task-9", Attempts: 60}
	assert.Contains(t, err.Error(), "task-9")
	assert.Contains(t, err.Error(), "60")
	assert.Contains(t, err.Error(), "may still finish server-side")
	assert.True(t, IsTimeout(eris.Wrap(err, "jobs: poll")))
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidation(Validation("x")))
	assert.False(t, IsValidation(NotFound("run", "x")))
	assert.True(t, IsNotFound(NotFound("candidate", "c1")))
	assert.False(t, IsNotFound(errors.New("not found")))
}
