package httperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("handler failed: %w", Wrap(http.StatusConflict, "already exists", cause))

	herr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, herr.Status)
	assert.Equal(t, "already exists", herr.Message)
	assert.ErrorIs(t, err, cause)

	_, ok = As(cause)
	assert.False(t, ok)
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "404 no such event", NotFound("no such event").Error())
	assert.Equal(t, "400 bad: x", Wrap(400, "bad", errors.New("x")).Error())
	assert.Equal(t, http.StatusForbidden, Forbidden("no").Status)
	assert.Equal(t, http.StatusTooManyRequests, TooManyRequests("slow down").Status)
	assert.Equal(t, http.StatusBadRequest, BadRequest("bad").Status)
}
