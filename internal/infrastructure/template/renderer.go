// Package template renders {{name}} placeholders in prompt templates.
package template

import (
	"fmt"
	"io"
	"regexp"

	"github.com/valyala/fasttemplate"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

var variableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,29}$`)

// Renderer substitutes caller inputs into templates. Placeholders without a
// matching input are left as written, and a template that cannot be parsed is
// returned unchanged.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) Render(template string, inputs map[string]any) (string, error) {
	tpl, err := fasttemplate.NewTemplate(template, startTag, endTag)
	if err != nil {
		return template, nil
	}
	return tpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		if variableName.MatchString(tag) {
			if value, ok := inputs[tag]; ok && value != nil {
				return w.Write([]byte(stringify(value)))
			}
		}
		return w.Write([]byte(startTag + tag + endTag))
	})
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}
