package deepgram

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/leverlabs/caucus/pkg/provider/stt"
)

func streamConfig(rate, channels int, lang string, keywords []string) stt.StreamConfig {
	return stt.StreamConfig{SampleRate: rate, Channels: channels, Language: lang, Keywords: keywords}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.language != defaultLanguage {
		t.Errorf("language = %q, want %q", p.language, defaultLanguage)
	}
	if p.sampleRate != defaultSampleRate {
		t.Errorf("sampleRate = %d, want %d", p.sampleRate, defaultSampleRate)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "base" {
		t.Errorf("model = %q, want base", p.model)
	}
	if p.language != "de-DE" {
		t.Errorf("language = %q, want de-DE", p.language)
	}
	if p.sampleRate != 48000 {
		t.Errorf("sampleRate = %d, want 48000", p.sampleRate)
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("key")

	raw, err := p.buildURL(streamConfig(16000, 1, "en-US", []string{"Priya", "Jamal"}))
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}
	if !strings.HasPrefix(raw, "wss://api.deepgram.com/v1/listen") {
		t.Errorf("unexpected endpoint: %s", raw)
	}

	q := u.Query()
	if got := q.Get("model"); got != "nova-3" {
		t.Errorf("model = %q, want nova-3", got)
	}
	if got := q.Get("language"); got != "en-US" {
		t.Errorf("language = %q, want en-US", got)
	}
	if got := q.Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate = %q, want 16000", got)
	}
	if got := q.Get("interim_results"); got != "true" {
		t.Errorf("interim_results = %q, want true", got)
	}
	if got := q["keywords"]; len(got) != 2 || got[0] != "Priya" || got[1] != "Jamal" {
		t.Errorf("keywords = %v, want [Priya Jamal]", got)
	}
}

func TestBuildURL_ConfigDefaults(t *testing.T) {
	p, _ := New("key")

	raw, err := p.buildURL(streamConfig(0, 0, "", nil))
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if got := q.Get("language"); got != defaultLanguage {
		t.Errorf("language = %q, want provider default %q", got, defaultLanguage)
	}
	if got := q.Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate = %q, want provider default 16000", got)
	}
	if q.Has("channels") {
		t.Error("channels should be omitted when zero")
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantOK   bool
		wantText string
		wantFin  bool
	}{
		{
			name:     "final result",
			payload:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"yes I agree","confidence":0.97}]}}`,
			wantOK:   true,
			wantText: "yes I agree",
			wantFin:  true,
		},
		{
			name:     "interim result",
			payload:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"yes I","confidence":0.8}]}}`,
			wantOK:   true,
			wantText: "yes I",
			wantFin:  false,
		},
		{
			name:    "metadata message ignored",
			payload: `{"type":"Metadata"}`,
			wantOK:  false,
		},
		{
			name:    "no alternatives ignored",
			payload: `{"type":"Results","channel":{"alternatives":[]}}`,
			wantOK:  false,
		},
		{
			name:    "invalid JSON ignored",
			payload: `{not json`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDeepgramResponse([]byte(tt.payload))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
			if got.IsFinal != tt.wantFin {
				t.Errorf("isFinal = %v, want %v", got.IsFinal, tt.wantFin)
			}
		})
	}
}

func TestParseDeepgramResponse_Words(t *testing.T) {
	payload := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.9,"words":[{"word":"hello","start":0.1,"end":0.4,"confidence":0.95},{"word":"there","start":0.5,"end":0.8,"confidence":0.85}]}]}}`
	got, ok := parseDeepgramResponse([]byte(payload))
	if !ok {
		t.Fatal("expected parse success")
	}
	if len(got.Words) != 2 {
		t.Fatalf("words = %d, want 2", len(got.Words))
	}
	if got.Words[0].Word != "hello" {
		t.Errorf("words[0] = %q, want hello", got.Words[0].Word)
	}
	if got.Words[0].Start != 100*time.Millisecond {
		t.Errorf("words[0].Start = %v, want 100ms", got.Words[0].Start)
	}
}
