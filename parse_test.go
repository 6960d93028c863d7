package webcom

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method  string
	path    string
	query   string
	headers http.Header
	body    map[string]any
}

type captured struct {
	mu   sync.Mutex
	reqs []capturedRequest
}

func (c *captured) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.reqs...)
}

// fakeParse answers every request with the handler's status and body and
// records what it saw.
func fakeParse(t *testing.T, respond func(r *http.Request) (int, string)) (*httptest.Server, *captured) {
	t.Helper()
	seen := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := capturedRequest{method: r.Method, path: r.URL.Path, query: r.URL.Query().Get("where"), headers: r.Header.Clone()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &c.body))
		}
		seen.mu.Lock()
		seen.reqs = append(seen.reqs, c)
		seen.mu.Unlock()
		status, body := respond(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestParseLogInAndHeaders(t *testing.T) {
	srv, seen := fakeParse(t, func(r *http.Request) (int, string) {
		switch r.URL.Path {
		case "/parse/login":
			return http.StatusOK, `{"objectId":"u1","username":"demouser","email":"demo@gmail.com","sessionToken":"r:abc"}`
		default:
			return http.StatusOK, `{"results":[]}`
		}
	})
	p := NewParseBackend("app", WithServerURL(srv.URL+"/parse/"), WithRESTKey("rest"), WithMasterKey("master"))

	_, err := p.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	u, err := p.LogIn(context.Background(), "demouser", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	_, err = p.QueryByField(context.Background(), HangoutCollection, FieldOwner, "u1")
	require.NoError(t, err)

	require.Len(t, seen.all(), 2)
	login := seen.all()[0]
	assert.Equal(t, http.MethodPost, login.method)
	assert.Equal(t, "app", login.headers.Get("X-Parse-Application-Id"))
	assert.Equal(t, "rest", login.headers.Get("X-Parse-REST-API-Key"))
	assert.Empty(t, login.headers.Get("X-Parse-Session-Token"))
	assert.Empty(t, login.headers.Get("X-Parse-Master-Key"))
	assert.Equal(t, "demouser", login.body["username"])

	query := seen.all()[1]
	assert.Equal(t, "/parse/classes/Hangout", query.path)
	assert.Equal(t, "r:abc", query.headers.Get("X-Parse-Session-Token"))
	assert.JSONEq(t, `{"owner":"u1"}`, query.query)
}

func TestParseQueryDecodesRecords(t *testing.T) {
	srv, seen := fakeParse(t, func(r *http.Request) (int, string) {
		return http.StatusOK, `{"results":[{"objectId":"h1","owner":"u1","username":"berouser","state":"INVITED","timestamp":1700000000000,"message":{"text":"hi","timestamp":1700000000000}}]}`
	})
	p := NewParseBackend("app", WithServerURL(srv.URL))

	recs, err := p.QueryByField(context.Background(), UserCollection, FieldUsername, "berouser")
	require.NoError(t, err)
	assert.Equal(t, "/users", seen.all()[0].path)

	require.Len(t, recs, 1)
	assert.Equal(t, "h1", recs[0].ID)
	assert.NotContains(t, recs[0].Fields, "objectId")

	h, err := DecodeHangout(recs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), h.Timestamp)
	assert.Equal(t, "hi", h.Message.Text)
}

func TestParseCreateAndRelationUpdate(t *testing.T) {
	srv, seen := fakeParse(t, func(r *http.Request) (int, string) {
		if r.Method == http.MethodPost {
			return http.StatusCreated, `{"objectId":"h9","createdAt":"2024-01-01T00:00:00.000Z"}`
		}
		return http.StatusOK, `{"updatedAt":"2024-01-01T00:00:00.000Z"}`
	})
	p := NewParseBackend("app", WithServerURL(srv.URL), WithMasterKey("master"))
	ctx := context.Background()

	rec, err := p.Create(ctx, HangoutCollection, map[string]any{FieldState: "INVITED"})
	require.NoError(t, err)
	assert.Equal(t, "h9", rec.ID)
	assert.Equal(t, "INVITED", rec.Fields[FieldState])

	user := &Record{ID: "u2", Collection: UserCollection, Fields: map[string]any{FieldUsername: "berouser"}}
	updated, err := p.Update(ctx, user, map[string]any{
		FieldHangouts: AddRelation{Collection: HangoutCollection, IDs: []string{"h9"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "berouser", updated.Fields[FieldUsername])
	assert.NotContains(t, updated.Fields, FieldHangouts)

	put := seen.all()[1]
	assert.Equal(t, http.MethodPut, put.method)
	assert.Equal(t, "/users/u2", put.path)
	assert.Equal(t, "master", put.headers.Get("X-Parse-Master-Key"))
	op := put.body[FieldHangouts].(map[string]any)
	assert.Equal(t, "AddRelation", op["__op"])
	objects := op["objects"].([]any)
	require.Len(t, objects, 1)
	assert.Equal(t, map[string]any{"__type": "Pointer", "className": "Hangout", "objectId": "h9"}, objects[0])

	_, err = p.Update(ctx, rec, map[string]any{FieldState: "ACCEPTED"})
	require.NoError(t, err)
	assert.Empty(t, seen.all()[2].headers.Get("X-Parse-Master-Key"), "own rows are written without the master key")
}

func TestParseAPIError(t *testing.T) {
	srv, _ := fakeParse(t, func(r *http.Request) (int, string) {
		if r.URL.Path == "/users" {
			return http.StatusBadRequest, `{"code":202,"error":"Account already exists for this username."}`
		}
		return http.StatusBadGateway, `upstream down`
	})
	p := NewParseBackend("app", WithServerURL(srv.URL))

	_, err := p.SignUp(context.Background(), "demouser", "d@gmail.com", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 202, apiErr.Code)

	_, err = p.Become(context.Background(), "r:stale")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Code)
	assert.Equal(t, "upstream down", apiErr.Message)
	_, err = p.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn, "failed become clears the session")
}

func TestParseBecomeAndLogOut(t *testing.T) {
	srv, seen := fakeParse(t, func(r *http.Request) (int, string) {
		if r.URL.Path == "/users/me" {
			return http.StatusOK, `{"objectId":"u1","username":"demouser"}`
		}
		return http.StatusOK, `{}`
	})
	p := NewParseBackend("app", WithServerURL(srv.URL))
	ctx := context.Background()

	u, err := p.Become(ctx, "r:abc")
	require.NoError(t, err)
	assert.Equal(t, "r:abc", u.SessionToken)
	assert.Equal(t, "r:abc", seen.all()[0].headers.Get("X-Parse-Session-Token"))

	require.NoError(t, p.LogOut(ctx))
	assert.Equal(t, "/logout", seen.all()[1].path)
	require.NoError(t, p.LogOut(ctx), "logging out twice is a no-op")
	assert.Len(t, seen.all(), 2)
}

func TestToWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://x.example/parse", toWebsocketURL("https://x.example/parse"))
	assert.Equal(t, "ws://localhost:1337/parse", toWebsocketURL("http://localhost:1337/parse"))
	assert.Equal(t, "ws://already", toWebsocketURL("ws://already"))
}
