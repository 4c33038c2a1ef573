package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "AppTitle", "IQ Tester"},
		{"en", "ErrExpired", "Time is up."},
		{"ru", "AppTitle", "IQ-тест"},
		{"ru", "ErrExpired", "Время вышло."},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	if got := Tp(ctx, "TestsCompleted", 1); got != "1 test completed" {
		t.Errorf("Tp(TestsCompleted, 1) = %q", got)
	}
	if got := Tp(ctx, "TestsCompleted", 5); got != "5 tests completed" {
		t.Errorf("Tp(TestsCompleted, 5) = %q", got)
	}

	ctx = initLang(t, "ru")
	for n, want := range map[int]string{1: "1 тест пройден", 3: "3 теста пройдено", 5: "5 тестов пройдено"} {
		if got := Tp(ctx, "TestsCompleted", n); got != want {
			t.Errorf("Tp(TestsCompleted, %d) = %q, want %q", n, got, want)
		}
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	got := Td(ctx, "ScoreSummary", map[string]any{"Correct": 7, "Total": 10, "Score": 70})
	if got != "You answered 7 of 10 questions correctly and scored 70." {
		t.Errorf("Td(ScoreSummary) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")
	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestLocalesAreComplete(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if n := len(Languages()); n != 2 {
		t.Errorf("loaded %d languages, want 2", n)
	}
}

func TestMiddlewareNegotiates(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ErrNotFound")
	}))

	tests := []struct {
		name   string
		url    string
		accept string
		want   string
	}{
		{"default", "/", "", "Not found."},
		{"accept-language", "/", "ru-RU,ru;q=0.9,en;q=0.5", "Не найдено."},
		{"query wins", "/?lang=en", "ru", "Not found."},
		{"unsupported falls back", "/", "de", "Not found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
