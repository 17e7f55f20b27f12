package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

func TestOneFichierCanHandle(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://1fichier.com/?abc123xyz", true},
		{"https://www.1fichier.com/?abc123xyz", true},
		{"https://a-4.1fichier.com/direct", true},
		{"https://b2.dl4free.com/x", true},
		{"https://alterupload.com/?qwe987", true},
		{"https://megadl.fr/?qwe987", true},
		{"https://pjointe.com/?qwe987", true},
		{"https://example.com/?abc123", false},
		{"https://not1fichier.org/?x", false},
	}

	o := NewOneFichierExtractor(nil, nil)
	for _, tc := range cases {
		if got := o.CanHandle(tc.url); got != tc.want {
			t.Errorf("CanHandle(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func testOneFichier(t *testing.T) *OneFichierExtractor {
	t.Helper()

	return NewOneFichierExtractor(
		pkghttp.NewClient(pkghttp.Config{RequestsPerSecond: 1000}),
		pacer.New(time.Millisecond, 2*time.Millisecond, time.Millisecond, 0.1))
}

func TestOneFichierExtractPlainPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie := r.Header.Get("Cookie"); cookie != "LG=en" {
			t.Errorf("Cookie = %q, want LG=en", cookie)
		}
		fmt.Fprint(w, `<html><title>backup.tar.gz - 1fichier.com</title>
			<table><td class="normal">backup.tar.gz</td></table>
			<p>File size: 1.5 GB</p>
			<a class="ok btn-general" href="https://c3.1fichier.com/dl/backup.tar.gz">Click here</a>
		</html>`)
	}))
	t.Cleanup(server.Close)

	files, err := testOneFichier(t).Extract(context.Background(), server.URL, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}

	f := files[0]
	if f.Filename != "backup.tar.gz" {
		t.Errorf("Filename = %q, want backup.tar.gz", f.Filename)
	}
	if f.DirectURL != "https://c3.1fichier.com/dl/backup.tar.gz" {
		t.Errorf("DirectURL = %q", f.DirectURL)
	}
	if want := int64(1.5 * 1024 * 1024 * 1024); f.Size != want {
		t.Errorf("Size = %d, want %d", f.Size, want)
	}
}

func TestOneFichierFormSubmission(t *testing.T) {
	var posted bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<html><form method="post" action="">
				<input type="hidden" name="adz" value="tok42">
				<input type="submit" name="save" value="Download">
			</form></html>`)
			return
		}

		posted = true
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("adz"); got != "tok42" {
			t.Errorf("adz = %q, want tok42", got)
		}
		if got := r.PostForm.Get("dl_no_ssl"); got != "on" {
			t.Errorf("dl_no_ssl = %q, want on", got)
		}
		if r.PostForm.Has("save") {
			t.Error("save button value must not be replayed")
		}
		if got := r.PostForm.Get("pass"); got != "hunter2" {
			t.Errorf("pass = %q, want hunter2", got)
		}

		fmt.Fprint(w, `<html><td class="normal">secret.7z</td>
			<a class="ok" href="https://d1.1fichier.com/dl/secret.7z">Download</a></html>`)
	}))
	t.Cleanup(server.Close)

	files, err := testOneFichier(t).Extract(context.Background(), server.URL, "hunter2")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !posted {
		t.Fatal("download form was never submitted")
	}
	if files[0].DirectURL != "https://d1.1fichier.com/dl/secret.7z" {
		t.Errorf("DirectURL = %q", files[0].DirectURL)
	}
	if files[0].Filename != "secret.7z" {
		t.Errorf("Filename = %q, want secret.7z", files[0].Filename)
	}
}

func TestOneFichierPasswordRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><form method="post">
			<input type="password" name="pass" value="">
		</form></html>`)
	}))
	t.Cleanup(server.Close)

	_, err := testOneFichier(t).Extract(context.Background(), server.URL, "")
	if !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestOneFichierSubscriberWall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>Downloading this file is not possible to unregistered users.</html>`)
	}))
	t.Cleanup(server.Close)

	_, err := testOneFichier(t).Extract(context.Background(), server.URL, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected a terminal ErrNotFound, got %v", err)
	}
}

func TestOneFichierNoLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>nothing useful here</html>`)
	}))
	t.Cleanup(server.Close)

	_, err := testOneFichier(t).Extract(context.Background(), server.URL, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
