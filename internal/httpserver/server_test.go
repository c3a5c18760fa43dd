package httpserver

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"diskdeck/internal/auth"
	"diskdeck/internal/config"
	"diskdeck/internal/progress"
)

type fakeProgress struct {
	mu   sync.Mutex
	recs map[string]progress.Record
}

func (f *fakeProgress) Progress(_ context.Context, id string, serial, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[id] = progress.Record{ID: id, Serial: serial, Total: total, State: progress.StateMerging}
}

func (f *fakeProgress) Completed(_ context.Context, id, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recs[id]
	r.ID, r.State, r.Path = id, progress.StateComplete, path
	f.recs[id] = r
}

func (f *fakeProgress) Get(_ context.Context, id string) (progress.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return progress.Record{}, progress.ErrNotFound
	}
	return r, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config, *Options)) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{Root: root}
	opts := Options{SizeInterval: 10 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	require.NoError(t, cfg.Normalize())
	opts.Config = cfg
	srv, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts, cfg.Root
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func sendChunk(t *testing.T, ts *httptest.Server, id string, index, total int, parent, name, body string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"uploadId":    id,
		"chunkNumber": fmt.Sprint(index),
		"totalChunks": fmt.Sprint(total),
		"parentDir":   parent,
		"fileName":    name,
	} {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("upload", "blob")
	require.NoError(t, err)
	_, err = io.WriteString(fw, body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndHeaders(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp := get(t, ts, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestList(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{
		"docs/readme.md": "# hi",
		"b.txt":          "bee",
		"a.jpg":          "not decoded here",
		"song.mp3":       "la",
	})
	// state dir exists because the upload manager created it
	require.DirExists(t, filepath.Join(root, ".diskdeck"))

	resp := get(t, ts, "/api/list?path=/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Items []listItem `json:"items"`
	}
	decode(t, resp, &out)

	var names []string
	for _, it := range out.Items {
		names = append(names, it.Name)
	}
	require.Equal(t, []string{"docs", "a.jpg", "b.txt", "song.mp3"}, names)
	require.True(t, out.Items[0].IsDir)
	require.True(t, out.Items[1].IsImage)
	require.Equal(t, "/thumb?path=a.jpg", out.Items[1].Thumb)
	require.True(t, out.Items[2].IsText)
	require.Equal(t, "3 B", out.Items[2].Size)
	require.True(t, out.Items[3].IsAudio)

	require.Equal(t, http.StatusBadRequest, get(t, ts, "/api/list?path=b.txt").StatusCode)
	require.Equal(t, http.StatusNotFound, get(t, ts, "/api/list?path=nope").StatusCode)
}

func TestFileServing(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{"dir/data.txt": "0123456789"})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/f/dir/data.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "2345", string(b))

	require.Equal(t, http.StatusNotFound, get(t, ts, "/f/dir/missing").StatusCode)
	require.Equal(t, http.StatusBadRequest, get(t, ts, "/f/dir").StatusCode)
}

func TestChunkedUpload(t *testing.T) {
	ts, root := newTestServer(t, nil)

	resp := sendChunk(t, ts, "up-1", 3, 3, "inbox", "movie.bin", "CCC")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = sendChunk(t, ts, "up-1", 1, 3, "inbox", "movie.bin", "AAA")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]any
	decode(t, resp, &res)
	require.EqualValues(t, 1, res["serial"])
	require.Equal(t, false, res["done"])

	resp = get(t, ts, "/api/uploads/up-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]any
	decode(t, resp, &st)
	require.EqualValues(t, 1, st["serial"])
	require.Equal(t, []any{float64(3)}, st["pending"])
	require.Equal(t, "inbox/movie.bin", st["path"])

	// a chunk declaring another total is refused
	require.Equal(t, http.StatusConflict, sendChunk(t, ts, "up-1", 2, 4, "inbox", "movie.bin", "BBB").StatusCode)

	resp = sendChunk(t, ts, "up-1", 2, 3, "inbox", "movie.bin", "BBB")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &res)
	require.Equal(t, true, res["done"])
	require.Equal(t, "inbox/movie.bin", res["path"])

	b, err := os.ReadFile(filepath.Join(root, "inbox", "movie.bin"))
	require.NoError(t, err)
	require.Equal(t, "AAABBBCCC", string(b))

	require.Equal(t, http.StatusNotFound, get(t, ts, "/api/uploads/up-1").StatusCode)
}

func TestUploadRejects(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusBadRequest, sendChunk(t, ts, "../x", 1, 1, "", "a", "x").StatusCode)
	require.Equal(t, http.StatusBadRequest, sendChunk(t, ts, "u", 2, 1, "", "a", "x").StatusCode)
	require.Equal(t, http.StatusBadRequest, sendChunk(t, ts, "u", 1, 1, "", "a/b", "x").StatusCode)

	resp, err := http.Post(ts.URL+"/api/upload", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadStatusFromProgressMirror(t *testing.T) {
	mirror := &fakeProgress{recs: map[string]progress.Record{}}
	ts, _ := newTestServer(t, func(_ *config.Config, o *Options) { o.Progress = mirror })

	require.Equal(t, http.StatusOK, sendChunk(t, ts, "mirror-1", 1, 2, "", "f.txt", "ab").StatusCode)
	require.Equal(t, http.StatusOK, sendChunk(t, ts, "mirror-1", 2, 2, "", "f.txt", "cd").StatusCode)

	resp := get(t, ts, "/api/uploads/mirror-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec progress.Record
	decode(t, resp, &rec)
	require.Equal(t, progress.StateComplete, rec.State)
	require.Equal(t, "f.txt", rec.Path)
	require.Equal(t, 1, rec.Serial)

	require.Equal(t, http.StatusNotFound, get(t, ts, "/api/uploads/never").StatusCode)
}

func TestCopyCutDelete(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{
		"src/a/one.txt": "1",
		"src/two.txt":   "2",
	})

	resp := postJSON(t, ts, "/api/copy", treeRequest{SourceDir: "src", DestinationDir: "copy", Files: []string{"a", "two.txt"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.FileExists(t, filepath.Join(root, "copy", "a", "one.txt"))
	require.FileExists(t, filepath.Join(root, "src", "a", "one.txt"))

	resp = postJSON(t, ts, "/api/copy", treeRequest{SourceDir: "src", DestinationDir: "src/a/inner", Files: []string{"a"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts, "/api/cut", treeRequest{SourceDir: "src", DestinationDir: "moved", Files: []string{"a"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.FileExists(t, filepath.Join(root, "moved", "a", "one.txt"))
	require.NoDirExists(t, filepath.Join(root, "src", "a"))

	resp = postJSON(t, ts, "/api/delete", treeRequest{SourceDir: "", Files: []string{"copy", "ghost"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoDirExists(t, filepath.Join(root, "copy"))

	resp = postJSON(t, ts, "/api/delete", treeRequest{SourceDir: "", Files: []string{"../x"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSizeEvents(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{
		"d/a.bin":   strings.Repeat("a", 1500),
		"d/e/b.bin": strings.Repeat("b", 500),
	})

	resp := get(t, ts, "/api/size?sourceDir=&files=d")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lastEvent, lastData string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			lastEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			lastData = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Equal(t, "done", lastEvent)
	var ev sizeEvent
	require.NoError(t, json.Unmarshal([]byte(lastData), &ev))
	require.EqualValues(t, 2000, ev.Size)
	require.Equal(t, "2 KB", ev.SizeText)
	require.EqualValues(t, 4, ev.Items)

	require.Equal(t, http.StatusBadRequest, get(t, ts, "/api/size?files=../x").StatusCode)
}

func TestZipDownload(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{
		"p/x/1.txt": "one",
		"p/2.txt":   "two",
	})

	resp := postJSON(t, ts, "/api/zip", map[string]any{"sourceDir": "p", "files": []string{"x", "2.txt"}, "name": "bundle"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), `"bundle.zip"`)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"x/1.txt", "2.txt"}, names)
}

func TestRenameMkdirText(t *testing.T) {
	ts, root := newTestServer(t, nil)
	writeFiles(t, root, map[string]string{"notes/a.txt": "old", "notes/b.txt": "b"})

	require.Equal(t, http.StatusOK, postJSON(t, ts, "/api/mkdir", map[string]string{"sourceDir": "notes", "name": "sub"}).StatusCode)
	require.DirExists(t, filepath.Join(root, "notes", "sub"))

	require.Equal(t, http.StatusConflict, postJSON(t, ts, "/api/rename", map[string]string{"sourceDir": "notes", "oldName": "a.txt", "newName": "b.txt"}).StatusCode)
	require.Equal(t, http.StatusOK, postJSON(t, ts, "/api/rename", map[string]string{"sourceDir": "notes", "oldName": "a.txt", "newName": "c.txt"}).StatusCode)
	require.FileExists(t, filepath.Join(root, "notes", "c.txt"))
	require.Equal(t, http.StatusBadRequest, postJSON(t, ts, "/api/rename", map[string]string{"sourceDir": "notes", "oldName": "c.txt", "newName": "../c.txt"}).StatusCode)

	resp := postJSON(t, ts, "/api/text", map[string]string{"sourceDir": "notes", "name": "c.txt", "content": "hello world"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved map[string]string
	decode(t, resp, &saved)
	require.Equal(t, "11 B", saved["size"])

	resp = get(t, ts, "/api/text?path="+url.QueryEscape("notes/c.txt"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var read map[string]string
	decode(t, resp, &read)
	require.Equal(t, "hello world", read["content"])
}

func TestTextSizeLimit(t *testing.T) {
	ts, root := newTestServer(t, func(c *config.Config, _ *Options) { c.MaxTextBytes = 8 })
	writeFiles(t, root, map[string]string{"big.txt": "0123456789"})
	require.Equal(t, http.StatusRequestEntityTooLarge, get(t, ts, "/api/text?path=big.txt").StatusCode)
}

func TestFetchEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "remote body")
	}))
	defer upstream.Close()

	ts, root := newTestServer(t, nil)
	resp := postJSON(t, ts, "/api/fetch", map[string]string{"sourceDir": "", "name": "remote.txt", "url": upstream.URL})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	decode(t, resp, &started)
	require.NotEmpty(t, started["id"])

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/fetch/" + started["id"])
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st struct {
			State string `json:"state"`
			Dest  string `json:"dest"`
		}
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.State == "done" && st.Dest == "remote.txt"
	}, 5*time.Second, 10*time.Millisecond)

	b, err := os.ReadFile(filepath.Join(root, "remote.txt"))
	require.NoError(t, err)
	require.Equal(t, "remote body", string(b))

	require.Equal(t, http.StatusBadRequest, postJSON(t, ts, "/api/fetch", map[string]string{"name": "x", "url": "ftp://host/x"}).StatusCode)
	require.Equal(t, http.StatusNotFound, get(t, ts, "/api/fetch/unknown").StatusCode)
}

func TestThumbEndpoint(t *testing.T) {
	ts, root := newTestServer(t, func(c *config.Config, _ *Options) { c.ThumbSmall = 16 })
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pic.png"), buf.Bytes(), 0o644))

	resp := get(t, ts, "/thumb?path=pic.png&type=small")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	decoded, _, err := image.Decode(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 16, decoded.Bounds().Dy())

	require.Equal(t, http.StatusNotFound, get(t, ts, "/thumb?path=missing.png").StatusCode)
}

func TestAuthGuardsWrites(t *testing.T) {
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	ts, _ := newTestServer(t, func(c *config.Config, _ *Options) {
		c.Users = map[string]config.User{"alice": {Bcrypt: hash}}
		c.AuthOptional = true
	})

	require.Equal(t, http.StatusOK, get(t, ts, "/api/list").StatusCode)
	require.Equal(t, http.StatusUnauthorized, postJSON(t, ts, "/api/mkdir", map[string]string{"name": "x"}).StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/mkdir", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	req.SetBasicAuth("alice", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebDAV(t *testing.T) {
	ts, root := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/dav/put.txt", strings.NewReader("via dav"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	b, err := os.ReadFile(filepath.Join(root, "put.txt"))
	require.NoError(t, err)
	require.Equal(t, "via dav", string(b))
}

func TestStateDirIsReserved(t *testing.T) {
	ts, root := newTestServer(t, nil)
	state := filepath.Join(root, ".diskdeck")
	writeFiles(t, root, map[string]string{
		".diskdeck/uploads/u1/meta.json": "{}",
		"keep.txt":                       "k",
	})

	resp := postJSON(t, ts, "/api/delete", map[string]any{"sourceDir": "/", "files": []string{".diskdeck"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = postJSON(t, ts, "/api/copy", map[string]any{"sourceDir": "/", "destinationDir": "/out", "files": []string{".diskdeck"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = postJSON(t, ts, "/api/copy", map[string]any{"sourceDir": "/", "destinationDir": "/.diskdeck", "files": []string{"keep.txt"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = postJSON(t, ts, "/api/zip", map[string]any{"sourceDir": "/", "files": []string{".diskdeck"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Equal(t, http.StatusForbidden, get(t, ts, "/f/.diskdeck/uploads/u1/meta.json").StatusCode)
	require.Equal(t, http.StatusForbidden, get(t, ts, "/api/list?path=.diskdeck/uploads").StatusCode)
	require.Equal(t, http.StatusForbidden, get(t, ts, "/api/size?sourceDir=/&files=.diskdeck").StatusCode)

	dav := func(method, p string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ts.URL+p, body)
		require.NoError(t, err)
		if method == "PROPFIND" {
			req.Header.Set("Depth", "1")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	require.Equal(t, http.StatusNotFound, dav(http.MethodGet, "/dav/.diskdeck/uploads/u1/meta.json", nil).StatusCode)
	require.Equal(t, http.StatusNotFound, dav(http.MethodDelete, "/dav/.diskdeck", nil).StatusCode)
	require.Equal(t, http.StatusNotFound, dav("PROPFIND", "/dav/.diskdeck/", nil).StatusCode)
	require.GreaterOrEqual(t, dav(http.MethodPut, "/dav/.diskdeck/planted.txt", strings.NewReader("x")).StatusCode, 400)

	resp = dav("PROPFIND", "/dav/", nil)
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	listing, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(listing), "keep.txt")
	require.NotContains(t, string(listing), ".diskdeck")

	require.FileExists(t, filepath.Join(state, "uploads", "u1", "meta.json"))
	require.NoFileExists(t, filepath.Join(state, "planted.txt"))
	require.NoDirExists(t, filepath.Join(root, "out"))
}
