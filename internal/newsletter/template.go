package newsletter

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders newsletter subjects and bodies with the Liquid template
// language, caching parsed templates across recipients of the same send.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with a fresh Liquid engine.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render renders a template with the given bindings. Unknown variables
// render empty rather than erroring, so a missing first_name produces a
// blank instead of dropping the recipient.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Bindings builds the per-recipient binding set handed to templates.
func Bindings(sub Subscriber, unsubscribeURL string) map[string]interface{} {
	firstName := sub.FirstName
	if firstName == "" {
		firstName = "there"
	}
	return map[string]interface{}{
		"first_name":      firstName,
		"email":           sub.Email,
		"unsubscribe_url": unsubscribeURL,
	}
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}
