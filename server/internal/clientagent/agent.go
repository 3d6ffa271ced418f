package clientagent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

//go:embed client.js.tmpl
var clientSource string

var clientTemplate = template.Must(template.New("client.js").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(clientSource))

// Options parameterise the bootstrap.
type Options struct {
	// WSPort is the port of the broadcast hub.
	WSPort int

	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
}

// Agent holds the rendered bootstrap script.
type Agent struct {
	script []byte
}

// New renders the bootstrap once for the given options.
func New(opts Options) (*Agent, error) {
	if opts.WSPort <= 0 || opts.WSPort > 65535 {
		return nil, fmt.Errorf("clientagent: ws port %d out of range", opts.WSPort)
	}
	if opts.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("clientagent: reconnect delay must be positive")
	}

	var buf bytes.Buffer
	err := clientTemplate.Execute(&buf, struct {
		WSPort           int
		ReconnectDelayMs int64
	}{
		WSPort:           opts.WSPort,
		ReconnectDelayMs: opts.ReconnectDelay.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("clientagent: render: %w", err)
	}
	return &Agent{script: buf.Bytes()}, nil
}

// Script returns the rendered JavaScript. Callers must not modify it.
func (a *Agent) Script() []byte {
	return a.script
}
