package xerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedErrors_AreWrapFriendly(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"invalid input", &InvalidInputError{Field: "phone", Reason: "too short"}, ErrInvalidInput},
		{"authentication", &AuthenticationError{Err: errors.New("401")}, ErrAuthentication},
		{"provider rejected", &ProviderRejectedError{TransactionID: "T1", Code: "1", Message: "nope"}, ErrProviderRejected},
		{"unknown transaction", &UnknownTransactionError{Key: "id", Value: "T1"}, ErrNotFound},
		{"malformed callback", &MalformedCallbackError{TransactionID: "T1", Reason: "missing stkCallback"}, ErrMalformedCallback},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			require.True(t, errors.Is(wrapped, tc.sentinel))
		})
	}
}

func TestAuthenticationError_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(&AuthenticationError{Err: cause}, "initiate")
	require.ErrorIs(t, err, cause)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, cause, authErr.Err)
}

func TestWrap_Nil(t *testing.T) {
	require.NoError(t, Wrap(nil, "ignored"))
	require.ErrorIs(t, Wrap(ErrConflict, "reused id"), ErrConflict)
}
