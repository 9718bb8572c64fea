package lifecycle

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/eemployee/chat/core/infra/config"
)

const binaryPath = "/usr/local/bin/chat-instance"

var bootTemplate = template.Must(template.New("boot").Parse(`#!/bin/bash
set -e

mkdir -p /opt/{{.ServiceName}}
curl -fsSL -o {{.BinaryPath}} '{{.BinaryURL}}'
chmod 0755 {{.BinaryPath}}

cat > /etc/systemd/system/{{.ServiceName}}.service << 'UNIT'
[Unit]
Description=E-Employee Chat Server
After=network.target

[Service]
Type=simple
WorkingDirectory=/opt/{{.ServiceName}}
ExecStart={{.BinaryPath}}
Restart=always
RestartSec=5
Environment=PORT={{.Port}}
{{- range $k, $v := .Env}}
Environment={{$k}}={{$v}}
{{- end}}

[Install]
WantedBy=multi-user.target
UNIT

systemctl daemon-reload
systemctl enable {{.ServiceName}}
systemctl start {{.ServiceName}}
`))

type bootParams struct {
	ServiceName string
	BinaryURL   string
	BinaryPath  string
	Port        int
	Env         map[string]string
}

// RenderBootScript returns the user-data that installs chat-instance as a
// systemd service listening on port.
func RenderBootScript(profile *config.ProvisionProfile, port int) (string, error) {
	var buf bytes.Buffer
	err := bootTemplate.Execute(&buf, bootParams{
		ServiceName: profile.ServiceName,
		BinaryURL:   profile.BinaryURL,
		BinaryPath:  binaryPath,
		Port:        port,
		Env:         profile.Env,
	})
	if err != nil {
		return "", fmt.Errorf("render boot script: %w", err)
	}
	return buf.String(), nil
}
