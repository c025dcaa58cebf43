package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"briefcast/internal/capability"
)

func TestChatClientReturnsContent(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Good morning!  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := capability.NewChatClient(capability.ChatConfig{BaseURL: srv.URL + "/v1", Model: "m", APIKey: "k", Temperature: 0.4})
	out, err := c.Generate(context.Background(), capability.TextRequest{
		Messages: []capability.Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Good morning!" {
		t.Fatalf("unexpected content %q", out)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("missing bearer auth: %q", gotAuth)
	}
	if gotBody["model"] != "m" || gotBody["temperature"].(float64) != 0.4 {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestChatClientEmptyContentIsError(t *testing.T) {
	for name, body := range map[string]string{
		"no choices": `{"choices":[]}`,
		"blank":      `{"choices":[{"message":{"content":"   "},"finish_reason":"length"}]}`,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := capability.NewChatClient(capability.ChatConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"})
		_, err := c.Generate(context.Background(), capability.TextRequest{Messages: []capability.Message{{Role: "user", Content: "u"}}})
		srv.Close()
		if !errors.Is(err, capability.ErrEmptyContent) {
			t.Fatalf("%s: expected ErrEmptyContent, got %v", name, err)
		}
	}
}

func TestChatClientStatusAndMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Mode") == "bad" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`overloaded`))
	}))
	defer srv.Close()
	c := capability.NewChatClient(capability.ChatConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"})
	_, err := c.Generate(context.Background(), capability.TextRequest{Messages: []capability.Message{{Role: "user", Content: "u"}}})
	var se *capability.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status error, got %v", err)
	}

	badClient := capability.NewChatClient(capability.ChatConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"},
		capability.WithHTTPClient(&http.Client{Transport: headerTransport{"X-Mode", "bad"}}))
	if _, err := badClient.Generate(context.Background(), capability.TextRequest{Messages: []capability.Message{{Role: "user", Content: "u"}}}); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

type headerTransport struct{ key, value string }

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set(h.key, h.value)
	return http.DefaultTransport.RoundTrip(r)
}

func TestMissingCredentialsAreTypedFailures(t *testing.T) {
	chat := capability.NewChatClient(capability.ChatConfig{BaseURL: "http://127.0.0.1:1", Model: "m"})
	if _, err := chat.Generate(context.Background(), capability.TextRequest{Messages: []capability.Message{{Role: "user", Content: "u"}}}); !errors.Is(err, capability.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	speech := capability.NewSpeechClient(capability.SpeechConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := speech.Synthesize(context.Background(), capability.SpeechRequest{Text: "hi", Voice: "nova"}); !errors.Is(err, capability.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSpeechClientReturnsAudio(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("X-Audio-Duration", "12.5")
		_, _ = w.Write([]byte("ID3-audio-bytes"))
	}))
	defer srv.Close()
	c := capability.NewSpeechClient(capability.SpeechConfig{BaseURL: srv.URL, APIKey: "k", Model: "tts-1"})
	audio, err := c.Synthesize(context.Background(), capability.SpeechRequest{Text: "Good morning", Voice: "nova"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio.Data) != "ID3-audio-bytes" || audio.DurationSeconds != 12.5 || audio.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected audio %+v", audio)
	}
	if payload["voice"] != "nova" || payload["response_format"] != "mp3" || payload["input"] != "Good morning" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSpeechClientRejectsEmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	}))
	defer srv.Close()
	c := capability.NewSpeechClient(capability.SpeechConfig{BaseURL: srv.URL, APIKey: "k"})
	if _, err := c.Synthesize(context.Background(), capability.SpeechRequest{Text: "x", Voice: "v"}); !errors.Is(err, capability.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestEstimateDuration(t *testing.T) {
	if got := capability.EstimateDuration(strings.Repeat("word ", 150), 150); got != 60 {
		t.Fatalf("expected 60s, got %v", got)
	}
	if got := capability.EstimateDuration("   ", 150); got != 0 {
		t.Fatalf("expected 0 for blank text, got %v", got)
	}
}

func TestCleanSource(t *testing.T) {
	html := `<!doctype html><html><head><style>p{}</style><script>track()</script></head>
<body><nav>Home | About</nav><h1>Rain later</h1><p>Clouds   build
 after noon.</p><footer>(c) Weather Co</footer></body></html>`
	got, err := capability.CleanSource(html)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if got != "Rain later\nClouds build after noon." {
		t.Fatalf("unexpected text %q", got)
	}
	plain, err := capability.CleanSource("  S&P 500   up 1.2%  ")
	if err != nil || plain != "S&P 500 up 1.2%" {
		t.Fatalf("unexpected plain text %q %v", plain, err)
	}
}

func TestLocalStoreWritesFile(t *testing.T) {
	dir := t.TempDir()
	store := capability.LocalStore{Dir: dir, BaseURL: "https://cdn.example/audio"}
	ref, err := store.Put(context.Background(), "2026-05-05/../r1-warm.mp3", capability.Audio{Data: []byte("abc")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "https://cdn.example/audio/r1-warm.mp3" {
		t.Fatalf("unexpected ref %s", ref)
	}
	data, err := os.ReadFile(filepath.Join(dir, "r1-warm.mp3"))
	if err != nil || string(data) != "abc" {
		t.Fatalf("file not written: %v", err)
	}
	if _, err := store.Put(context.Background(), "x.mp3", capability.Audio{}); !errors.Is(err, capability.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent for empty audio")
	}
}

func TestS3StoreUploadsToCompatibleEndpoint(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	store, err := capability.NewS3Store(context.Background(), capability.S3Config{
		Bucket:    "briefs",
		Prefix:    "audio",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "AKIDTEST",
		SecretKey: "secret",
	}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := store.Put(context.Background(), "2026-05-05/r1.mp3", capability.Audio{Data: []byte("mp3"), ContentType: "audio/mpeg"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "s3://briefs/audio/2026-05-05/r1.mp3" {
		t.Fatalf("unexpected ref %s", ref)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/briefs/audio/2026-05-05/r1.mp3" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(gotBody, "mp3") {
		t.Fatalf("body not uploaded: %q", gotBody)
	}
}
