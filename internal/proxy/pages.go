package proxy

import (
	"html/template"
	"log/slog"
	"net/http"
)

// pageStyle is shared by every HTML page the relay renders.
const pageStyle = `<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 {
    font-size: 1.25rem;
    font-weight: 600;
    margin-bottom: 0.25rem;
  }
  .card p.sub {
    font-size: 0.85rem;
    color: #666;
    margin-bottom: 1.5rem;
  }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .success {
    background: #f0fdf4;
    color: #166534;
    border: 1px solid #bbf7d0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  pre {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.75rem;
    overflow-x: auto;
    margin-bottom: 1rem;
    white-space: pre-wrap;
    word-break: break-all;
  }
  label {
    display: block;
    font-size: 0.85rem;
    font-weight: 500;
    margin-bottom: 0.35rem;
    color: #333;
  }
  input[type="text"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 1.1rem;
    letter-spacing: 0.15em;
    text-transform: uppercase;
    text-align: center;
    outline: none;
    transition: border-color 0.15s;
    margin-bottom: 1rem;
  }
  input[type="text"]:focus {
    border-color: #2563eb;
    box-shadow: 0 0 0 2px rgba(37,99,235,0.15);
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    transition: background 0.15s;
  }
  button:hover { background: #333; }
  button:active { background: #000; }
</style>`

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>authrelay</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>authrelay</h1>
  <p class="sub">Device authorization relay.</p>
  <p class="sub">If a device gave you a code, enter it at <a href="/device">/device</a>.</p>
</div>
</body>
</html>`))

// devicePage renders the user-code entry form. The form submits as GET
// so the verification step is a plain link-followable URL; the optional
// state value rides along as a hidden field.
var devicePage = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Connect a device</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>Connect a device</h1>
  <p class="sub">Enter the code shown on your device.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="GET" action="/auth/verify_code">
    {{if .State}}<input type="hidden" name="state" value="{{.State}}">{{end}}
    <label for="code">Device code</label>
    <input type="text" id="code" name="code" value="{{.Code}}" placeholder="ABCD-EFGH" autocomplete="off" required autofocus>
    <button type="submit">Continue</button>
  </form>
</div>
</body>
</html>`))

type devicePageData struct {
	Code  string
	State string
	Error string
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Something went wrong</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>Something went wrong</h1>
  <div class="error">{{.Message}}</div>
  {{if .Detail}}<pre>{{.Detail}}</pre>{{end}}
  <p class="sub">You can <a href="/device">try again</a> with a fresh code.</p>
</div>
</body>
</html>`))

type errorPageData struct {
	Message string
	Detail  string
}

var signedInPage = template.Must(template.New("signedin").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Device connected</title>
` + pageStyle + `
</head>
<body>
<div class="card">
  <h1>Device connected</h1>
  <div class="success">Authorization complete. Your device will pick up its access shortly.</div>
  <p class="sub">You can close this window.</p>
</div>
</body>
</html>`))

func renderPage(w http.ResponseWriter, logger *slog.Logger, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := tmpl.Execute(w, data); err != nil {
		logger.Error("rendering page", "template", tmpl.Name(), "error", err)
	}
}
