package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	cases := map[string]struct {
		status    int
		kind      Kind
		retryable bool
		nilErr    bool
	}{
		"ok":           {status: 200, nilErr: true},
		"unauthorized": {status: 401, kind: Unauthorized},
		"not found":    {status: 404, kind: Client},
		"forbidden":    {status: 403, kind: Client},
		"unavailable":  {status: 503, kind: Server, retryable: true},
		"internal":     {status: 500, kind: Server, retryable: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := FromStatus("farm-1", tc.status)
			if tc.nilErr {
				require.Nil(t, err)
				return
			}
			require.Equal(t, tc.kind, err.Kind)
			require.Equal(t, tc.status, err.Status)
			require.Equal(t, tc.retryable, err.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify("k", nil))
	require.Equal(t, Timeout, Classify("k", fmt.Errorf("wrap: %w", context.DeadlineExceeded)).Kind)
	require.Equal(t, Network, Classify("k", errors.New("connection refused")).Kind)

	original := New(Mismatch, "k", "wrong key")
	require.Same(t, original, Classify("k", fmt.Errorf("page: %w", original)))
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("cycle: %w", Wrap(Timeout, "k", "slow", context.DeadlineExceeded))
	require.ErrorIs(t, err, &Error{Kind: Timeout})
	require.NotErrorIs(t, err, &Error{Kind: Network})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, IsRetryable(err))
	require.Equal(t, Timeout, KindOf(err))
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(New(Unauthorized, "k", "")))
	require.Equal(t, http.StatusGatewayTimeout, HTTPStatus(New(Timeout, "k", "")))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(New(Failed, "k", "")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(New(Storage, "k", "")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: Server, Status: 503, Key: "farm-1", Message: "backend error"}
	require.Equal(t, `backend error (status 503): key "farm-1"`, err.Error())
}
