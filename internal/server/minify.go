package server

import (
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

var jsMediaType = regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`)

type minifier struct {
	m *minify.M
}

func newMinifier() *minifier {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	m.AddFunc("text/css", css.Minify)
	m.AddFuncRegexp(jsMediaType, js.Minify)
	return &minifier{m: m}
}

// supports reports whether responses of this media type get minified.
func (mf *minifier) supports(mediatype string) bool {
	return mediatype == "text/html" || mediatype == "text/css" || jsMediaType.MatchString(mediatype)
}

// bytes returns the minified content, or the input unchanged on error.
func (mf *minifier) bytes(mediatype string, b []byte) ([]byte, error) {
	out, err := mf.m.Bytes(mediatype, b)
	if err != nil {
		return b, err
	}
	return out, nil
}
