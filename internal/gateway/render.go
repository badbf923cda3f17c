package gateway

import (
	"bytes"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Renderer converts processor reply markdown into HTML for networks whose
// transports accept rich text.
type Renderer struct {
	once sync.Once
	md   goldmark.Markdown
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) HTML(markdown string) (string, error) {
	r.once.Do(func() {
		r.md = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
