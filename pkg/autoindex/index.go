package autoindex

import (
	"bytes"
	"html/template"
	"sort"
)

// indexContentType is the content type of generated index documents.
const indexContentType = "text/html; charset=UTF-8"

// entry is one row in a directory listing.
type entry struct {
	// Name is the display name: a bare filename, or a directory name
	// with trailing slash.
	Name string

	// Href is the relative link target.
	Href string
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Index of {{.Dir}}</title>
</head>
<body>
<h1>Index of {{.Dir}}</h1>
<ul>
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

// renderIndex renders the listing document for one directory. files
// are child file basenames, subdirs child directory basenames. The
// parent link is included except at the repository root.
func renderIndex(dir string, files, subdirs []string, isRoot bool) ([]byte, error) {
	entries := make([]entry, 0, len(files)+len(subdirs)+1)
	if !isRoot {
		entries = append(entries, entry{Name: "../", Href: "../"})
	}

	sort.Strings(subdirs)
	for _, name := range subdirs {
		entries = append(entries, entry{Name: name + "/", Href: name + "/"})
	}
	sort.Strings(files)
	for _, name := range files {
		entries = append(entries, entry{Name: name, Href: name})
	}

	var buf bytes.Buffer
	err := indexTemplate.Execute(&buf, struct {
		Dir     string
		Entries []entry
	}{Dir: dir, Entries: entries})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
