package forgeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenPullRequestDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/pulls", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(PullRequest{Number: 7, URL: "https://forge/pulls/7", State: "open"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	pr, err := c.OpenPullRequest(context.Background(), "acme", "widgets", "feature", "main", "title", "body")
	require.NoError(t, err)
	require.Equal(t, 7, pr.Number)
	require.Equal(t, "open", pr.State)
}

func TestErrorResponseDecodesStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"code": "forbidden", "message": "no access"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.FetchDashboardState(context.Background(), "acme", "widgets")
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusForbidden, fe.Status)
	require.Equal(t, "forbidden", fe.Code)
}
