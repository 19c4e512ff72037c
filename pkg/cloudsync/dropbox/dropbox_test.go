package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

type dbxItem struct {
	id   string
	dir  bool
	data []byte
	rev  int
}

// fakeDropbox serves the handful of v2 routes the backend uses.
type fakeDropbox struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	items    map[string]*dbxItem
	sessions map[string][]byte
	nextID   int
	pageSize int
	revoked  bool
	calls    map[string]int
}

func newFakeDropbox(t *testing.T) *fakeDropbox {
	t.Helper()

	f := &fakeDropbox{
		t:        t,
		items:    map[string]*dbxItem{},
		sessions: map[string][]byte{},
		pageSize: 2,
		calls:    map[string]int{},
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeDropbox) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[route]
}

func routeError(w http.ResponseWriter, status int, summary string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error_summary":%q,"error":{".tag":"other"}}`, summary)
}

func (f *fakeDropbox) rev(it *dbxItem) string {
	return fmt.Sprintf("%s%04x", strings.TrimPrefix(it.id, "id:"), it.rev)
}

func (f *fakeDropbox) metadata(p string, it *dbxItem, tagged bool) map[string]any {
	md := map[string]any{
		"name":         p[strings.LastIndex(p, "/")+1:],
		"id":           it.id,
		"path_lower":   strings.ToLower(p),
		"path_display": p,
	}

	if tagged {
		md[".tag"] = "file"
		if it.dir {
			md[".tag"] = "folder"
		}
	}

	if !it.dir {
		md["rev"] = f.rev(it)
		md["size"] = len(it.data)
		md["server_modified"] = "2024-05-01T10:00:00Z"
		md["client_modified"] = "2024-05-01T10:00:00Z"
	}

	return md
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDropbox) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	route := strings.TrimPrefix(r.URL.Path, "/2/")
	f.calls[route]++

	if f.revoked || r.Header.Get("Authorization") != "Bearer good-token" {
		routeError(w, http.StatusUnauthorized, "invalid_access_token/..")
		return
	}

	var arg map[string]any

	raw := r.Header.Get("Dropbox-API-Arg")
	if raw == "" {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
	}

	if raw != "" && raw != "null" {
		assert.NoError(f.t, json.Unmarshal([]byte(raw), &arg), route)
	}

	str := func(k string) string { s, _ := arg[k].(string); return s }

	switch route {
	case "users/get_current_account":
		writeJSON(w, map[string]any{
			"account_id":     "dbid:AAH4f99T0taONIb-OurWxbNQ6ywGRopQngc",
			"name":           map[string]any{"given_name": "Franz", "surname": "Ferdinand", "familiar_name": "Franz", "display_name": "Franz Ferdinand (Personal)", "abbreviated_name": "FF"},
			"email":          "franz@example.com",
			"email_verified": true,
			"disabled":       false,
			"locale":         "en",
			"referral_link":  "https://db.tt/ZITNuhtI",
			"is_paired":      false,
			"account_type":   map[string]any{".tag": "basic"},
			"root_info":      map[string]any{".tag": "user", "root_namespace_id": "3235641", "home_namespace_id": "3235641"},
		})
	case "auth/token/revoke":
		f.revoked = true
		writeJSON(w, nil)
	case "files/get_metadata":
		it, ok := f.items[str("path")]
		if !ok {
			routeError(w, http.StatusConflict, "path/not_found/..")
			return
		}

		writeJSON(w, f.metadata(str("path"), it, true))
	case "files/list_folder":
		f.list(w, str("path"), 0)
	case "files/list_folder/continue":
		parts := strings.SplitN(str("cursor"), "|", 2)
		off, _ := strconv.Atoi(parts[0])
		f.list(w, parts[1], off)
	case "files/create_folder_v2":
		p := str("path")
		if _, ok := f.items[p]; ok {
			routeError(w, http.StatusConflict, "path/conflict/folder/..")
			return
		}

		it := &dbxItem{id: f.newID(), dir: true}
		f.items[p] = it
		writeJSON(w, map[string]any{"metadata": f.metadata(p, it, false)})
	case "files/upload":
		data, _ := io.ReadAll(r.Body)
		f.commit(w, arg, data)
	case "files/upload_session/start":
		data, _ := io.ReadAll(r.Body)
		sid := "session-" + f.newID()
		f.sessions[sid] = data
		writeJSON(w, map[string]any{"session_id": sid})
	case "files/upload_session/append_v2":
		data, _ := io.ReadAll(r.Body)
		sid, off := f.cursor(arg)
		assert.Len(f.t, f.sessions[sid], off)
		f.sessions[sid] = append(f.sessions[sid], data...)
		writeJSON(w, nil)
	case "files/upload_session/finish":
		data, _ := io.ReadAll(r.Body)
		sid, off := f.cursor(arg)
		assert.Len(f.t, f.sessions[sid], off)
		full := append(f.sessions[sid], data...)
		delete(f.sessions, sid)

		commit, _ := arg["commit"].(map[string]any)
		f.commit(w, commit, full)
	case "files/download":
		it, ok := f.items[str("path")]
		if !ok || it.dir {
			routeError(w, http.StatusConflict, "path/not_found/..")
			return
		}

		res, _ := json.Marshal(f.metadata(str("path"), it, false))
		w.Header().Set("Dropbox-API-Result", string(res))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(it.data)
	case "files/delete_v2":
		p := str("path")
		it, ok := f.items[p]
		if !ok {
			routeError(w, http.StatusConflict, "path_lookup/not_found/..")
			return
		}

		for k := range f.items {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(f.items, k)
			}
		}

		writeJSON(w, map[string]any{"metadata": f.metadata(p, it, true)})
	case "files/move_v2":
		from, to := str("from_path"), str("to_path")
		it, ok := f.items[from]
		if !ok {
			routeError(w, http.StatusConflict, "from_lookup/not_found/..")
			return
		}

		if _, ok := f.items[to]; ok {
			routeError(w, http.StatusConflict, "to/conflict/file/..")
			return
		}

		for k, v := range f.items {
			if k == from || strings.HasPrefix(k, from+"/") {
				delete(f.items, k)
				f.items[to+strings.TrimPrefix(k, from)] = v
			}
		}

		writeJSON(w, map[string]any{"metadata": f.metadata(to, it, true)})
	default:
		routeError(w, http.StatusBadRequest, "unknown route "+route)
	}
}

func (f *fakeDropbox) newID() string {
	f.nextID++
	return "id:" + strconv.Itoa(f.nextID)
}

func (f *fakeDropbox) cursor(arg map[string]any) (string, int) {
	c, _ := arg["cursor"].(map[string]any)
	sid, _ := c["session_id"].(string)
	off, _ := c["offset"].(float64)

	return sid, int(off)
}

// commit applies a CommitInfo: add fails on an existing file, update
// fails unless the revision matches.
func (f *fakeDropbox) commit(w http.ResponseWriter, ci map[string]any, data []byte) {
	p, _ := ci["path"].(string)

	var mode, want string

	switch m := ci["mode"].(type) {
	case string:
		mode = m
	case map[string]any:
		mode, _ = m[".tag"].(string)
		want, _ = m["update"].(string)
	}

	it, exists := f.items[p]

	switch {
	case mode == "add" && exists:
		routeError(w, http.StatusConflict, "path/conflict/file/..")
		return
	case mode == "update" && (!exists || f.rev(it) != want):
		routeError(w, http.StatusConflict, "path/conflict/file/..")
		return
	}

	if !exists {
		it = &dbxItem{id: f.newID()}
		f.items[p] = it
	}

	it.data = data
	it.rev++

	writeJSON(w, f.metadata(p, it, false))
}

func (f *fakeDropbox) list(w http.ResponseWriter, p string, off int) {
	if p != "" {
		if it, ok := f.items[p]; !ok || !it.dir {
			routeError(w, http.StatusConflict, "path/not_found/..")
			return
		}
	}

	var kids []string

	for k := range f.items {
		if k[:strings.LastIndex(k, "/")] == p {
			kids = append(kids, k)
		}
	}

	slices.Sort(kids)

	end := min(off+f.pageSize, len(kids))
	entries := make([]map[string]any, 0, end-off)

	for _, k := range kids[off:end] {
		entries = append(entries, f.metadata(k, f.items[k], true))
	}

	writeJSON(w, map[string]any{
		"entries":  entries,
		"cursor":   strconv.Itoa(end) + "|" + p,
		"has_more": end < len(kids),
	})
}

func newDropboxSession(t *testing.T, f *fakeDropbox, token string) *cloudsync.Cloud {
	t.Helper()

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register(ProviderID, Constructor))

	creds := cloudsync.NewOAuth2Credentials(&oauth2.Token{AccessToken: token, Expiry: time.Now().Add(time.Hour)})

	c, err := reg.Create(ProviderID, creds, cloudsync.WithEndpoint(f.srv.URL))
	require.NoError(t, err)

	return c
}

func authedDropbox(t *testing.T, f *fakeDropbox) (*cloudsync.Cloud, *cloudsync.Directory) {
	t.Helper()

	c := newDropboxSession(t, f, "good-token")
	require.NoError(t, c.Authenticate(context.Background(), nil))

	root, err := c.Root()
	require.NoError(t, err)

	return c, root
}

func TestDropbox_AuthenticateRejected(t *testing.T) {
	f := newFakeDropbox(t)
	c := newDropboxSession(t, f, "bad-token")

	err := c.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, cloudsync.ErrAuthorizationFailed)
	assert.Equal(t, cloudsync.StateUnauthenticated, c.State())
}

func TestDropbox_TreeOperations(t *testing.T) {
	f := newFakeDropbox(t)
	c, root := authedDropbox(t, f)
	ctx := context.Background()

	docs, err := root.CreateDirectory(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "id:1", docs.ID())

	_, err = root.CreateDirectory(ctx, "docs")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := docs.Upload(ctx, name, strings.NewReader("data "+name))
		require.NoError(t, err)
	}

	_, err = docs.Upload(ctx, "a.txt", strings.NewReader("again"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)

	children, err := docs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "/docs/c.txt", children[2].Path())
	assert.Equal(t, 1, f.count("files/list_folder/continue"))

	a, err := docs.File(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("data a.txt")), a.Size())
	assert.Equal(t, 2024, a.LastModified().Year())

	data, err := a.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data a.txt", string(data))

	_, err = a.Rename(ctx, "b.txt")
	assert.ErrorIs(t, err, cloudsync.ErrResourceConflict)
	assert.Zero(t, f.count("files/move_v2"))

	moved, err := a.Rename(ctx, "/top.txt")
	require.NoError(t, err)
	assert.Equal(t, "/top.txt", moved.Path())

	require.NoError(t, docs.Remove(ctx))

	_, err = c.Resolve(ctx, "/docs/b.txt")
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	err = docs.Remove(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrNoSuchResource)

	rest, err := root.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "top.txt", rest[0].Name())
}

func TestDropbox_ConditionalWrite(t *testing.T) {
	f := newFakeDropbox(t)
	c, root := authedDropbox(t, f)
	ctx := context.Background()

	mine, err := root.Upload(ctx, "notes.md", strings.NewReader("v1"))
	require.NoError(t, err)

	r, err := c.Resolve(ctx, "/notes.md")
	require.NoError(t, err)

	theirs, ok := r.(*cloudsync.File)
	require.True(t, ok)
	require.NoError(t, theirs.Write(ctx, strings.NewReader("v2")))

	err = mine.Write(ctx, strings.NewReader("lost update"))
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	_, err = mine.Read(ctx)
	assert.ErrorIs(t, err, cloudsync.ErrResourceHasChanged)

	changed, err := mine.PollChange(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := mine.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestDropbox_SessionUpload(t *testing.T) {
	f := newFakeDropbox(t)
	c, root := authedDropbox(t, f)
	ctx := context.Background()

	b, ok := c.Backend().(*Backend)
	require.True(t, ok)

	b.simpleMax = 4
	b.chunkSize = 4

	big, err := root.Upload(ctx, "big.bin", strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), big.Size())
	assert.Equal(t, 1, f.count("files/upload_session/start"))
	assert.Equal(t, 1, f.count("files/upload_session/append_v2"))
	assert.Equal(t, 1, f.count("files/upload_session/finish"))

	// Unknown length, an exact multiple of the chunk size.
	_, err = root.Upload(ctx, "even.bin", io.MultiReader(strings.NewReader("0123"), strings.NewReader("4567")))
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("files/upload_session/finish"))

	for name, want := range map[string]string{"big.bin": "0123456789", "even.bin": "01234567"} {
		file, err := root.File(ctx, name)
		require.NoError(t, err)

		data, err := file.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestDropbox_DisplayNameAndLogout(t *testing.T) {
	f := newFakeDropbox(t)
	c, _ := authedDropbox(t, f)
	ctx := context.Background()

	name, err := c.UserDisplayName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Franz Ferdinand (Personal)", name)

	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, 1, f.count("auth/token/revoke"))

	err = c.Authenticate(ctx, nil)
	assert.ErrorIs(t, err, cloudsync.ErrAuthorizationFailed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		summary     string
		conditional bool
		want        cloudsync.Kind
	}{
		{"expired_access_token/..", false, cloudsync.KindAuthorizationFailed},
		{"path/not_found/.", false, cloudsync.KindNoSuchResource},
		{"path_lookup/not_folder/", false, cloudsync.KindNoSuchResource},
		{"path/conflict/file/..", false, cloudsync.KindResourceConflict},
		{"path/conflict/file/..", true, cloudsync.KindResourceHasChanged},
		{"path/no_write_permission/..", false, cloudsync.KindPermissionDenied},
		{"too_many_write_operations/", false, cloudsync.KindCommunicationError},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			err := classify("op", "/p", errors.New(tt.summary), tt.conditional)

			kind, ok := cloudsync.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}

	assert.NoError(t, classify("op", "/p", nil, false))
}
