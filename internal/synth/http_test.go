package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewHTTPClient_Validation(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{}); err == nil {
		t.Error("empty base URL should be rejected")
	}
	if _, err := NewHTTPClient(HTTPConfig{BaseURL: "not a url"}); err == nil {
		t.Error("malformed base URL should be rejected")
	}
	if _, err := NewHTTPClient(HTTPConfig{BaseURL: "http://localhost:8080"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestHTTPClient_Stream(t *testing.T) {
	audio := bytes.Repeat([]byte("pcm-frame-"), 100)
	var gotBody synthesisBody
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/v1/synthesize" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(audio)))
		w.Write(audio) //nolint:errcheck
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	req := Request{Text: "hello", Voice: "amy", Language: "en-US", Speed: 1.5}
	var received []byte
	var expected int64
	err = client.Stream(context.Background(), req, func(p []byte, exp int64) error {
		received = append(received, p...)
		expected = exp
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if !bytes.Equal(received, audio) {
		t.Error("streamed audio differs from the response body")
	}
	if expected != int64(len(audio)) {
		t.Errorf("expected total = %d, want %d", expected, len(audio))
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Text != "hello" || gotBody.Voice != "amy" || gotBody.Speed != 1.5 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestHTTPClient_StreamCallbackErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 4*streamChunkSize)) //nolint:errcheck
	}))
	defer server.Close()

	client, _ := NewHTTPClient(HTTPConfig{BaseURL: server.URL})

	sentinel := errors.New("stop")
	err := client.Stream(context.Background(), Request{Voice: "amy"}, func([]byte, int64) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want the callback's error", err)
	}
}

func TestHTTPClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "voice unknown", http.StatusBadRequest)
	}))
	defer server.Close()

	client, _ := NewHTTPClient(HTTPConfig{BaseURL: server.URL})

	err := client.Stream(context.Background(), Request{Voice: "nope"}, func([]byte, int64) error { return nil })
	if err == nil {
		t.Fatal("non-200 response should fail")
	}
	if IsCanceled(err) {
		t.Error("HTTP failure must not look like a cancellation")
	}
}

func TestHTTPClient_StreamCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	// Unblock the handler before server.Close waits on it.
	defer close(release)

	client, _ := NewHTTPClient(HTTPConfig{BaseURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := client.Stream(ctx, Request{Voice: "amy"}, func([]byte, int64) error { return nil })
	if !IsCanceled(err) {
		t.Errorf("err = %v, want cancellation sentinel", err)
	}
}

func TestHTTPClient_Download(t *testing.T) {
	audio := []byte("downloadable audio")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(audio) //nolint:errcheck
	}))
	defer server.Close()

	client, _ := NewHTTPClient(HTTPConfig{BaseURL: server.URL})

	path := filepath.Join(t.TempDir(), "clip.audio")
	if err := client.Download(context.Background(), Request{Voice: "amy"}, path); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Error("downloaded payload differs from the response body")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after download")
	}
}

func TestHTTPClient_DownloadFailureLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := NewHTTPClient(HTTPConfig{BaseURL: server.URL})

	path := filepath.Join(t.TempDir(), "clip.audio")
	if err := client.Download(context.Background(), Request{Voice: "amy"}, path); err == nil {
		t.Fatal("failed download should return an error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("failed download must not leave a visible file")
	}
}

func TestIsCanceled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrCanceled, true},
		{"wrapped sentinel", fmt.Errorf("attempt failed: %w", ErrCanceled), true},
		{"context", context.Canceled, true},
		{"service message in string", errors.New("remote said: synthesis canceled"), true},
		{"ordinary failure", errors.New("connection refused"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCanceled(tt.err); got != tt.want {
				t.Errorf("IsCanceled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
