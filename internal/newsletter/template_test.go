package newsletter

import (
	"strings"
	"testing"
)

func TestRenderPersonalization(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hello {{ first_name }}, see what's new!", Bindings(
		Subscriber{ID: 1, Email: "claire@example.com", FirstName: "Claire"},
		"https://mail.essencia.com/unsubscribe?u=1",
	))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "Hello Claire, see what's new!" {
		t.Errorf("rendered = %q", out)
	}
}

func TestRenderFirstNameFallback(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hello {{ first_name }}!", Bindings(
		Subscriber{ID: 2, Email: "anon@example.com"},
		"",
	))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "Hello there!" {
		t.Errorf("rendered = %q", out)
	}
}

func TestRenderUnsubscribeURL(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render(`<a href="{{ unsubscribe_url }}">Unsubscribe</a>`, Bindings(
		Subscriber{ID: 3, Email: "x@example.com", FirstName: "X"},
		"https://mail.essencia.com/unsubscribe?u=3",
	))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "unsubscribe?u=3") {
		t.Errorf("unsubscribe link missing: %q", out)
	}
}

func TestRenderUnknownVariableIsBlank(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hi {{ nickname }}!", Bindings(Subscriber{ID: 4, Email: "y@example.com"}, ""))
	if err != nil {
		t.Fatalf("unknown variables must not error: %v", err)
	}
	if out != "Hi !" {
		t.Errorf("rendered = %q", out)
	}
}

func TestRenderInvalidTemplate(t *testing.T) {
	r := NewRenderer()

	if _, err := r.Render("{% if %}", map[string]interface{}{}); err == nil {
		t.Error("malformed template should error")
	}
}

func TestRendererCachesParsedTemplates(t *testing.T) {
	r := NewRenderer()
	src := "Hello {{ first_name }}"

	if _, err := r.Render(src, Bindings(Subscriber{FirstName: "A"}, "")); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.cache.Load(src); !ok {
		t.Error("parsed template not cached")
	}
}
