package upload

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newUploadServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func okHandler(t *testing.T) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("Authorization header = %q, want Bearer tok123", got)
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("parsing content type: %v", err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		var sessionID string
		var fileBytes []byte
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("reading multipart: %v", err)
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "ui_session_id":
				sessionID = string(data)
			case "file":
				fileBytes = data
			}
		}
		if sessionID != "ui-sess-1" {
			t.Errorf("ui_session_id = %q, want ui-sess-1", sessionID)
		}
		if string(fileBytes) != "hello world" {
			t.Errorf("file content = %q, want %q", fileBytes, "hello world")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{ID: "f1", Filename: "test.txt", MimeType: "text/plain", Size: 11})
	}
}

func TestUploadFileSuccess(t *testing.T) {
	srv := newUploadServer(t, okHandler(t))
	u := New(DefaultLimits())
	u.SetAuthToken("tok123")
	u.SetUISessionID("ui-sess-1")

	var progresses []Progress
	result, err := u.UploadFile(context.Background(), srv.URL, File{
		Filename: "test.txt",
		MimeType: "text/plain",
		Size:     11,
		Content:  strings.NewReader("hello world"),
	}, func(p Progress) { progresses = append(progresses, p) })

	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if result.ID != "f1" {
		t.Fatalf("result.ID = %q, want f1", result.ID)
	}
	if len(progresses) == 0 {
		t.Fatal("expected at least one progress report")
	}
	if last := progresses[len(progresses)-1]; last.Percentage < 99.9 {
		t.Fatalf("final progress = %.1f%%, want ~100%%", last.Percentage)
	}
}

func TestUploadFileMissingTokenFailsBeforeNetwork(t *testing.T) {
	called := false
	srv := newUploadServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	u := New(DefaultLimits())
	u.SetUISessionID("s1")

	_, err := u.UploadFile(context.Background(), srv.URL, File{Filename: "a.txt", Size: 1, Content: strings.NewReader("x")}, nil)
	if err == nil {
		t.Fatal("expected an error for missing auth token")
	}
	if called {
		t.Fatal("server should not have been contacted")
	}
}

func TestUploadFileOverSizeLimitRejectedSynchronously(t *testing.T) {
	called := false
	srv := newUploadServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	u := New(Limits{MaxUploadSize: 10, MaxFilesPerMessage: 10})
	u.SetAuthToken("tok")
	u.SetUISessionID("s1")

	_, err := u.UploadFile(context.Background(), srv.URL, File{Filename: "big.bin", Size: 11, Content: strings.NewReader("12345678901")}, nil)
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("err = %v, want message containing 'exceeds maximum'", err)
	}
	if called {
		t.Fatal("server should not have been contacted")
	}
}

func TestUploadFileDisallowedMimeType(t *testing.T) {
	u := New(Limits{MaxUploadSize: 1000, AllowedMimeTypes: []string{"image/png"}, MaxFilesPerMessage: 10})
	u.SetAuthToken("tok")
	u.SetUISessionID("s1")

	_, err := u.UploadFile(context.Background(), "http://unused", File{Filename: "a.exe", MimeType: "application/octet-stream", Size: 1, Content: strings.NewReader("x")}, nil)
	if err == nil {
		t.Fatal("expected an error for a disallowed mime type")
	}
}

func TestUploadFileServerErrorParsesMessage(t *testing.T) {
	srv := newUploadServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "file type not supported"})
	})
	u := New(DefaultLimits())
	u.SetAuthToken("tok")
	u.SetUISessionID("s1")

	_, err := u.UploadFile(context.Background(), srv.URL, File{Filename: "a.txt", Size: 1, Content: strings.NewReader("x")}, nil)
	if err == nil || !strings.Contains(err.Error(), "file type not supported") {
		t.Fatalf("err = %v, want message containing server error", err)
	}
}

func TestUploadFilesRejectsOverMaxCount(t *testing.T) {
	u := New(Limits{MaxUploadSize: 1000, MaxFilesPerMessage: 2})
	u.SetAuthToken("tok")
	u.SetUISessionID("s1")

	files := []File{
		{Filename: "a.txt", Size: 1, Content: strings.NewReader("a")},
		{Filename: "b.txt", Size: 1, Content: strings.NewReader("b")},
		{Filename: "c.txt", Size: 1, Content: strings.NewReader("c")},
	}
	_, err := u.UploadFiles(context.Background(), "http://unused", files, nil)
	if err == nil || !strings.Contains(err.Error(), "cannot upload 3 files") {
		t.Fatalf("err = %v, want message containing 'cannot upload 3 files'", err)
	}
}

func TestUploadFilesBatchFailureReportsPriorSuccesses(t *testing.T) {
	var reqCount int
	srv := newUploadServer(t, func(w http.ResponseWriter, r *http.Request) {
		reqCount++
		io.Copy(io.Discard, r.Body)
		if reqCount == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "disk full"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{ID: "ok", Size: 1})
	})
	u := New(DefaultLimits())
	u.SetAuthToken("tok")
	u.SetUISessionID("s1")

	files := []File{
		{Filename: "a.txt", Size: 1, Content: strings.NewReader("a")},
		{Filename: "b.txt", Size: 1, Content: strings.NewReader("b")},
		{Filename: "c.txt", Size: 1, Content: strings.NewReader("c")},
	}
	_, err := u.UploadFiles(context.Background(), srv.URL, files, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "2/3") || !strings.Contains(err.Error(), "b.txt") || !strings.Contains(err.Error(), "after 1 successful") {
		t.Fatalf("err = %v, want it to mention 2/3, b.txt, and 1 prior success", err)
	}
}

func TestEndpointFromSocketURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ws://host/api/rt/ws?token=x", "http://host/api/rt/upload_file"},
		{"wss://host/api/rt/ws?token=x", "https://host/api/rt/upload_file"},
		{"https://host/anything", "https://host/api/rt/upload_file"},
	}
	for _, c := range cases {
		got, err := EndpointFromSocketURL(c.in)
		if err != nil {
			t.Fatalf("EndpointFromSocketURL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("EndpointFromSocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEndpointFromSocketURLRejectsUnknownScheme(t *testing.T) {
	if _, err := EndpointFromSocketURL("ftp://host/x"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}
