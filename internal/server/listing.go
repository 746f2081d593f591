package server

import (
	"html/template"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

type listingEntry struct {
	Name    string
	Href    string
	IsDir   bool
	Size    string
	ModTime string
	Age     string
}

type listingPage struct {
	Path      string
	HasParent bool
	Entries   []listingEntry
	Reload    template.HTML
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of {{.Path}}</title>
</head>
<body>
<h1>Index of {{.Path}}</h1>
<hr>
<table>
{{- if .HasParent}}
<tr><td><a href="../">../</a></td><td></td><td></td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{.Size}}</td><td title="{{.ModTime}}">{{.Age}}</td></tr>
{{- end}}
</table>
<hr>
{{.Reload}}
</body>
</html>
`))

// buildListing converts directory entries into template rows. Entries come
// from afero.ReadDir and are already sorted by name.
func buildListing(dir string, infos []os.FileInfo, h hider) listingPage {
	page := listingPage{
		Path:      dir,
		HasParent: dir != "/",
		Entries:   make([]listingEntry, 0, len(infos)),
	}

	for _, info := range infos {
		name := info.Name()
		if h.hidden(joinURLPath(dir, name)) {
			continue
		}

		href := name
		if info.IsDir() {
			href += "/"
		}
		// Percent-encode, and keep names like "a:b" from parsing as a scheme.
		u := url.URL{Path: href}

		e := listingEntry{
			Name:    name,
			Href:    u.String(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime().UTC().Format(time.RFC1123),
			Age:     humanize.Time(info.ModTime()),
		}
		if !info.IsDir() {
			e.Size = humanize.Bytes(uint64(info.Size()))
		}
		page.Entries = append(page.Entries, e)
	}
	return page
}

func joinURLPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
