package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorfMatchesBase(t *testing.T) {
	err := Errorf(ErrOwnershipConflict, "asset %q is owned by %q", "movie.mp4", "alice")

	require.ErrorIs(t, err, ErrOwnershipConflict)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, `asset "movie.mp4" is owned by "alice"`, err.Error())
	require.Equal(t, http.StatusConflict, err.Status)
}

func TestIsAuth(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrUsernameTaken, true},
		{ErrWrongPassword, true},
		{ErrUnknownUser, true},
		{Errorf(ErrWrongPassword, "wrong password for %q", "alice"), true},
		{ErrNotFound, false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsAuth(tc.err), "%v", tc.err)
	}
}

// TestErrorSurvivesWire round-trips sentinels through a real HTTP hop and
// checks errors.Is still matches on the client side.
func TestErrorSurvivesWire(t *testing.T) {
	sentinels := []*Error{
		ErrUsernameTaken,
		ErrWrongPassword,
		ErrUnknownUser,
		ErrOwnershipConflict,
		ErrDuplicateTransfer,
		ErrStaleGeneration,
		ErrNotFound,
		ErrInvalidName,
		ErrNotReady,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				WriteError(w, Errorf(sentinel, "context for %s", sentinel.Code))
			}))
			defer srv.Close()

			err := PostJSON(context.Background(), srv.URL, struct{}{}, nil)
			require.ErrorIs(t, err, sentinel)
			require.Equal(t, "context for "+sentinel.Code, err.Error())

			var ce *Error
			require.ErrorAs(t, err, &ce)
			require.Equal(t, sentinel.Status, ce.Status)
		})
	}
}

func TestWriteErrorPlainFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, errors.New("disk exploded"))
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.URL, struct{}{}, nil)
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "internal", ce.Code)
	require.Equal(t, http.StatusInternalServerError, ce.Status)
	require.Equal(t, "disk exploded", ce.Message)
}

func TestDecodeErrorNonEnvelopeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad json", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.URL, struct{}{}, nil)
	require.Error(t, err)

	var ce *Error
	require.False(t, errors.As(err, &ce), "non-envelope body must not decode as a cluster error")
	require.Contains(t, err.Error(), fmt.Sprint(http.StatusBadRequest))
}

func TestNormalizeBase(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"localhost:8081", "http://localhost:8081"},
		{"http://localhost:8081", "http://localhost:8081"},
		{"http://localhost:8081/", "http://localhost:8081"},
		{"https://edge.example.com", "https://edge.example.com"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, normalizeBase(tc.in), tc.in)
	}
}
