package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voiceerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type outcome struct {
	gen uint64
	err error
}

func recorder() (Callbacks, chan outcome) {
	ch := make(chan outcome, 8)
	return Callbacks{
		OnSuccess: func(gen uint64) { ch <- outcome{gen: gen} },
		OnError:   func(gen uint64, err error) { ch <- outcome{gen: gen, err: err} },
	}, ch
}

func await(t *testing.T, ch chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	return outcome{}
}

func expectNone(t *testing.T, ch chan outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected callback %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

// gatedSynth blocks until released and ignores cancellation, like a late
// network response.
type gatedSynth struct {
	credential bool
	release    chan struct{}
	err        error
	mu         sync.Mutex
	calls      int
}

func (g *gatedSynth) HasCredential() bool { return g.credential }

func (g *gatedSynth) Synthesize(_ context.Context, req Request) (Audio, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return Audio{}, g.err
	}
	return Audio{Data: []byte(req.Text), ContentType: ContentTypeMP3}, nil
}

type fakePlayer struct {
	mu        sync.Mutex
	active    int
	maxActive int
	playbacks []*fakePlayback
	data      [][]byte
}

func (p *fakePlayer) Start(_ context.Context, a Audio) (Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	pb := &fakePlayback{player: p, done: make(chan struct{})}
	p.playbacks = append(p.playbacks, pb)
	p.data = append(p.data, a.Data)
	return pb, nil
}

func (p *fakePlayer) last(t *testing.T) *fakePlayback {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.playbacks)
		var pb *fakePlayback
		if n > 0 {
			pb = p.playbacks[n-1]
		}
		p.mu.Unlock()
		if pb != nil {
			return pb
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("playback never started")
	return nil
}

func (p *fakePlayer) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.playbacks)
}

func (p *fakePlayer) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

type fakePlayback struct {
	player *fakePlayer
	once   sync.Once
	done   chan struct{}
	err    error
}

func (f *fakePlayback) end(err error) {
	f.once.Do(func() {
		f.player.mu.Lock()
		f.player.active--
		f.player.mu.Unlock()
		f.err = err
		close(f.done)
	})
}

func (f *fakePlayback) Done() <-chan struct{} { return f.done }
func (f *fakePlayback) Err() error            { <-f.done; return f.err }
func (f *fakePlayback) Pause() error          { return nil }
func (f *fakePlayback) Resume() error         { return nil }
func (f *fakePlayback) Stop()                 { f.end(ErrPlaybackStopped) }

func TestSpeakRejectsEmptyTextAsynchronously(t *testing.T) {
	synth := &gatedSynth{credential: true}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, synth, &fakePlayer{}, callbacks, testLogger())
	defer ctrl.Close()

	gen := ctrl.Speak("   ")
	o := await(t, ch)
	if o.gen != gen || voiceerr.KindOf(o.err) != voiceerr.KindSynthesis {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if synth.calls != 0 {
		t.Fatal("service must not be contacted for empty text")
	}
}

func TestSpeakRequiresCredential(t *testing.T) {
	synth := &gatedSynth{credential: false}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, synth, &fakePlayer{}, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	if o := await(t, ch); voiceerr.KindOf(o.err) != voiceerr.KindConfig {
		t.Fatalf("expected config error, got %+v", o)
	}
}

func TestSpeakSuccessWithMockProvider(t *testing.T) {
	cfg := config.Default().TTS
	callbacks, ch := recorder()
	ctrl := NewController(cfg, NewMockSynth(cfg.SampleRate, cfg.Channels), NewSimulatedPlayer(), callbacks, testLogger())
	defer ctrl.Close()

	gen := ctrl.Speak("hi")
	o := await(t, ch)
	if o.err != nil || o.gen != gen {
		t.Fatalf("expected success for gen %d, got %+v", gen, o)
	}
	if ctrl.Active() || ctrl.Playing() {
		t.Fatal("expected controller idle after playback")
	}
	expectNone(t, ch)
}

func TestStopSuppressesLateResponse(t *testing.T) {
	synth := &gatedSynth{credential: true, release: make(chan struct{})}
	player := &fakePlayer{}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, synth, player, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	ctrl.Stop()
	close(synth.release)
	expectNone(t, ch)
	if player.activeCount() != 0 || player.startedCount() != 0 {
		t.Fatal("cancelled attempt must not start playback")
	}
	if ctrl.Active() {
		t.Fatal("expected inactive after stop")
	}
}

func TestStopReleasesPlaybackSynchronously(t *testing.T) {
	player := &fakePlayer{}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, &gatedSynth{credential: true}, player, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	player.last(t)
	ctrl.Stop()
	if player.activeCount() != 0 {
		t.Fatal("expected playback released when Stop returns")
	}
	expectNone(t, ch)
}

func TestSpeakPreemptsPreviousPlayback(t *testing.T) {
	player := &fakePlayer{}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, &gatedSynth{credential: true}, player, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("first")
	first := player.last(t)
	second := ctrl.Speak("second")
	select {
	case <-first.Done():
	default:
		t.Fatal("expected first playback stopped by the second speak")
	}

	deadline := time.Now().Add(2 * time.Second)
	for player.startedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	player.last(t).end(nil)
	o := await(t, ch)
	if o.gen != second || o.err != nil {
		t.Fatalf("expected success for second attempt, got %+v", o)
	}
	if player.maxActive != 1 {
		t.Fatalf("expected at most one playback at a time, got %d", player.maxActive)
	}
	expectNone(t, ch)
}

func TestPlaybackErrorReportedOnce(t *testing.T) {
	player := &fakePlayer{}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, &gatedSynth{credential: true}, player, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	player.last(t).end(errors.New("device lost"))
	if o := await(t, ch); voiceerr.KindOf(o.err) != voiceerr.KindSynthesis {
		t.Fatalf("expected synthesis error, got %+v", o)
	}
	expectNone(t, ch)
}

func TestProviderErrorMessageSurfaced(t *testing.T) {
	synth := &gatedSynth{credential: true, err: &ProviderError{Provider: "google", Status: 403, Message: "API key not valid"}}
	callbacks, ch := recorder()
	ctrl := NewController(config.Default().TTS, synth, &fakePlayer{}, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	o := await(t, ch)
	if voiceerr.Message(o.err) != "google tts error: 403 - API key not valid" {
		t.Fatalf("unexpected message %q", voiceerr.Message(o.err))
	}
}

func TestBotnoiURLBackFetchesAudio(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi/v1/generate_audio":
			if r.Header.Get("Botnoi-Token") != "token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body botnoiRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TypeMedia != "mp3" || body.SaveFile != "true" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"audio_url": srv.URL + "/files/out.mp3"})
		case "/files/out.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.Provider = "botnoi"
	cfg.APIKey = "token"
	cfg.BaseURL = srv.URL
	synth, err := NewSynthesizer(cfg, testLogger())
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	player := &fakePlayer{}
	callbacks, ch := recorder()
	ctrl := NewController(cfg, synth, player, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("สวัสดี")
	pb := player.last(t)
	if string(player.data[0]) != "mp3-bytes" {
		t.Fatalf("expected fetched audio, got %q", player.data[0])
	}
	pb.end(nil)
	if o := await(t, ch); o.err != nil {
		t.Fatalf("unexpected error %v", o.err)
	}
}

func TestGoogleProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Api-Key") != "gkey" || r.URL.RawQuery != "" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
			return
		}
		var body googleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Voice.Name != "th-TH-Chirp3-HD-Achernar" || body.AudioConfig.AudioEncoding != "MP3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"audioContent":"aGVsbG8="}`))
	}))
	defer srv.Close()

	cfg := config.Default().TTS
	cfg.APIKey = "gkey"
	cfg.BaseURL = srv.URL
	synth := NewGoogleSynth(cfg, srv.Client())
	a, err := synth.Synthesize(context.Background(), Request{Text: "hi", Voice: "Sage", Language: "th-TH"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(a.Data) != "hello" || a.ContentType != ContentTypeMP3 {
		t.Fatalf("unexpected audio %+v", a)
	}

	cfg.APIKey = "wrong"
	_, err = NewGoogleSynth(cfg, srv.Client()).Synthesize(context.Background(), Request{Text: "hi"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Message != "API key not valid" || provErr.Status != http.StatusForbidden {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGoogleTransportErrorOmitsKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	cfg := config.Default().TTS
	cfg.Provider = "google"
	cfg.APIKey = "SECRET-KEY-123"
	cfg.BaseURL = base
	callbacks, ch := recorder()
	ctrl := NewController(cfg, NewGoogleSynth(cfg, &http.Client{Timeout: time.Second}), &fakePlayer{}, callbacks, testLogger())
	defer ctrl.Close()

	ctrl.Speak("hello")
	o := await(t, ch)
	if voiceerr.KindOf(o.err) != voiceerr.KindSynthesis {
		t.Fatalf("expected synthesis error, got %+v", o)
	}
	if strings.Contains(voiceerr.Message(o.err), cfg.APIKey) || strings.Contains(o.err.Error(), cfg.APIKey) {
		t.Fatalf("credential leaked into error: %v", o.err)
	}
}

func TestVoiceSelection(t *testing.T) {
	if openAIVoice("Kore") != "echo" || openAIVoice("") != "sage" || openAIVoice("Unknown") != "alloy" {
		t.Fatal("unexpected openai voice mapping")
	}
	if name, code := googleVoice("", "en-US"); name != "en-US-Standard-A" || code != "en-US" {
		t.Fatalf("unexpected english voice %s %s", name, code)
	}
	if name, _ := googleVoice("th-TH-Standard-A", "th-TH"); name != "th-TH-Standard-A" {
		t.Fatalf("expected explicit google voice, got %s", name)
	}
}

func TestSimulatedPlayerPauseResume(t *testing.T) {
	cfg := config.Default().TTS
	a, err := NewMockSynth(cfg.SampleRate, cfg.Channels).Synthesize(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("mock synth: %v", err)
	}
	pb, err := NewSimulatedPlayer().Start(context.Background(), a)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pb.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	select {
	case <-pb.Done():
		t.Fatal("paused playback must not finish")
	case <-time.After(300 * time.Millisecond):
	}
	if err := pb.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	select {
	case <-pb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected playback to finish after resume")
	}
	if pb.Err() != nil {
		t.Fatalf("unexpected error %v", pb.Err())
	}
}
