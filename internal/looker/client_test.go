package looker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creditbot/internal/links"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

// fakeLooker serves a minimal Looker API. routes maps path to JSON body.
func fakeLooker(t *testing.T, routes map[string]string, logins *int) *Client {
	c := NewClient("https://acme.cloud.looker.com", "id", "secret")
	c.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		path := strings.TrimPrefix(req.URL.Path, "/api/4.0")
		if path == "/login" {
			*logins++
			require.NoError(t, req.ParseForm())
			require.Equal(t, "id", req.PostForm.Get("client_id"))
			require.Equal(t, "secret", req.PostForm.Get("client_secret"))
			return respond(http.StatusOK, `{"access_token":"tok","expires_in":3600}`)
		}
		require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		body, ok := routes[path]
		if !ok {
			return respond(http.StatusNotFound, `{"message":"Not found"}`)
		}
		return respond(http.StatusOK, body)
	})}
	return c
}

func TestResolveLook(t *testing.T) {
	logins := 0
	c := fakeLooker(t, map[string]string{
		"/looks/12345": `{"id":"12345","query_id":987}`,
		"/queries/987": `{"id":987,"sql":"SELECT authy FROM billable_items"}`,
	}, &logins)

	sql, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/looks/12345",
		Kind: links.KindLook,
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT authy FROM billable_items", sql)

	_, err = c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/looks/12345",
		Kind: links.KindLook,
	})
	require.NoError(t, err)
	require.Equal(t, 1, logins, "token should be cached")
}

func TestResolveFallsBackToRunSQL(t *testing.T) {
	logins := 0
	c := fakeLooker(t, map[string]string{
		"/looks/5":            `{"query_id":"55"}`,
		"/queries/55":         `{"id":55,"client_id":"abc"}`,
		"/queries/55/run/sql": "SELECT 1\n",
	}, &logins)

	sql, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/looks/5",
		Kind: links.KindLook,
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", sql)
}

func TestResolveExplore(t *testing.T) {
	logins := 0
	c := fakeLooker(t, map[string]string{
		"/queries/slug/AbC123": `{"id":42,"slug":"AbC123"}`,
		"/queries/42":          `{"id":42,"sql":"SELECT verification FROM t"}`,
	}, &logins)

	sql, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/explore/billing/items?qid=AbC123",
		Kind: links.KindExplore,
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT verification FROM t", sql)
}

func TestResolveUnsupported(t *testing.T) {
	logins := 0
	c := fakeLooker(t, nil, &logins)

	_, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/x/abcd",
		Kind: links.KindUnsupported,
	})
	require.ErrorIs(t, err, ErrUnsupportedLink)
	require.Zero(t, logins)
}

func TestResolveNotFound(t *testing.T) {
	logins := 0
	c := fakeLooker(t, map[string]string{}, &logins)

	_, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/looks/404",
		Kind: links.KindLook,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestReauthenticatesOnUnauthorized(t *testing.T) {
	logins := 0
	calls := 0
	c := NewClient("https://acme.cloud.looker.com/", "id", "secret")
	c.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
		switch req.URL.Path {
		case "/api/4.0/login":
			logins++
			return respond(http.StatusOK, `{"access_token":"tok","expires_in":3600}`)
		case "/api/4.0/looks/1":
			calls++
			if calls == 1 {
				return respond(http.StatusUnauthorized, `{"message":"Requires authentication."}`)
			}
			return respond(http.StatusOK, `{"query_id":2}`)
		case "/api/4.0/queries/2":
			return respond(http.StatusOK, `{"sql":"SELECT 2"}`)
		}
		return respond(http.StatusNotFound, "")
	})}

	sql, err := c.Resolve(context.Background(), links.DashboardReference{
		URL:  "https://acme.cloud.looker.com/looks/1",
		Kind: links.KindLook,
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT 2", sql)
	require.Equal(t, 2, logins)
}
