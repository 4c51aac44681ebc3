package export

import (
	"bytes"
	"html/template"
	"time"
)

var listTemplate = template.Must(template.New("todolist").Funcs(template.FuncMap{
	"formatDate": func(v interface{}) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("Jan 2, 2006 15:04")
		case *time.Time:
			if t != nil {
				return t.Format("Jan 2, 2006 15:04")
			}
		}
		return ""
	},
	"join": joinNames,
}).Parse(listTemplateHTML))

// TemplateData holds the data the list template renders.
type TemplateData struct {
	UserName    string
	GeneratedAt time.Time
	Todos       []Item
}

// RenderListHTML renders the printable todo list page.
func RenderListHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := listTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

const listTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Todos for {{.UserName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .todo { padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #3498db; background: #f8f9fa; }
    .todo.done { border-left-color: #2ecc71; }
    .todo.done .title { text-decoration: line-through; color: #888; }
    .title { font-weight: bold; }
    .detail { color: #666; font-size: 0.85em; margin-top: 0.25rem; }
    .comment { margin: 0.5rem 0 0 1rem; padding-left: 0.75rem; border-left: 2px solid #ddd; font-size: 0.9em; }
    .comment .author { font-weight: bold; }
  </style>
</head>
<body>
  <h1>Todos</h1>
  <div class="meta">{{.UserName}} | generated {{formatDate .GeneratedAt}}</div>
  {{range .Todos}}
  <div class="todo{{if .Completed}} done{{end}}">
    <div class="title">{{if .Completed}}&#10003; {{end}}{{.Title}}</div>
    <div class="detail">
      owner {{.OwnerName}}{{if .Assignees}} | assigned to {{join .Assignees}}{{end}}
      | created {{formatDate .CreatedAt}}{{if .CompletedAt}} | completed {{formatDate .CompletedAt}}{{end}}
    </div>
    {{range .Comments}}
    <div class="comment"><span class="author">{{.Author}}</span>: {{.Body}}</div>
    {{end}}
  </div>
  {{else}}
  <p>No todos.</p>
  {{end}}
</body>
</html>`
