package provider

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"calsync/internal/models"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindAuthentication, KindForStatus(http.StatusUnauthorized))
	assert.Equal(t, KindAuthentication, KindForStatus(http.StatusForbidden))
	assert.Equal(t, KindNotFound, KindForStatus(http.StatusNotFound))
	assert.Equal(t, KindNotFound, KindForStatus(http.StatusGone))
	assert.Equal(t, KindTransient, KindForStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindTransient, KindForStatus(http.StatusBadGateway))
	assert.Equal(t, KindPermanent, KindForStatus(http.StatusBadRequest))
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("fetch failed: %w", NewError(models.ProviderGoogle, "fetch", KindAuthentication, errors.New("token expired")))
	assert.True(t, IsAuthentication(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "google fetch (authentication)")

	assert.True(t, IsTransient(fmt.Errorf("dial: %w", timeoutError{})))
	assert.Equal(t, KindPermanent, KindOf(errors.New("boom")))
	assert.True(t, IsNotFound(NewError(models.ProviderMicrosoft, "delete", KindNotFound, errors.New("gone"))))
}
