package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "WrongPassword", WrongPassword.String())
	assert.Equal(t, "Unknown", Code(9999).String())
}

func TestRetriableClassification(t *testing.T) {
	assert.True(t, DhtUnavailable.Retriable())
	assert.True(t, Timeout.Retriable())
	assert.True(t, StoreBusy.Retriable())
	assert.False(t, BadSignature.Retriable())
	assert.False(t, NoIdentityLoaded.Retriable())
}

func TestErrorMessageFormatting(t *testing.T) {
	bare := New(NameTaken, "")
	assert.Equal(t, "NameTaken", bare.Error())

	detailed := New(NameTaken, "bob already registered")
	assert.Equal(t, "NameTaken: bob already registered", detailed.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dht timeout after 10s")
	wrapped := Wrap(DhtUnavailable, cause)

	assert.Equal(t, DhtUnavailable, wrapped.Code)
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsMatchesWrappedCode(t *testing.T) {
	inner := New(BadSignature, "forged record")
	outer := fmt.Errorf("verifying record: %w", inner)

	assert.True(t, Is(outer, BadSignature))
	assert.False(t, Is(outer, NameTaken))
}
