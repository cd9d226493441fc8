package cloudinit

import (
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/types"
)

// dhtBinaries maps architecture to the base64-encoded DHT agent binary
// embedded in its cloud-init payload. Populated by the build that ships
// real binaries; left empty here since no binary is vendored into this
// repository.
var dhtBinaries = map[string]string{
	"amd64": "",
	"arm64": "",
}

// Params are the substitution values available to a role's template.
// Not every role uses every field.
type Params struct {
	VmID                string
	NodeID              string
	Region              string
	AdvertiseIP         string
	BootstrapPeers      []string
	TunnelIP            string
	WireGuardPrivateKey string
	RelaySubnet         int
	Arch                string
}

// renderVars is what the templates below actually range over: Params
// plus BootstrapPeers flattened to its comma-joined form and the
// architecture-selected DHT binary, since text/template has no join
// built-in.
type renderVars struct {
	VmID                string
	NodeID              string
	Region              string
	AdvertiseIP         string
	BootstrapPeers      string
	TunnelIP            string
	WireGuardPrivateKey string
	RelaySubnet         int
	DhtBinaryBase64     string
}

const dhtTemplate = `#cloud-config
runcmd:
  - echo "dht node boot"
  - mkdir -p /opt/decloud/dht
  - echo "{{.DhtBinaryBase64}}" | base64 -d > /opt/decloud/dht/dhtd
  - chmod +x /opt/decloud/dht/dhtd
  - /opt/decloud/dht/dhtd --vm-id={{.VmID}} --node-id={{.NodeID}} --advertise-ip={{.AdvertiseIP}} --bootstrap-peers="{{.BootstrapPeers}}" --ready-url=http://orchestrator/api/dht/ready
`

const relayTemplate = `#cloud-config
runcmd:
  - echo "relay node boot"
  - apt-get install -y wireguard
  - cat <<'EOF' > /etc/wireguard/wg0.conf
[Interface]
PrivateKey = {{.WireGuardPrivateKey}}
Address = {{.TunnelIP}}/24
ListenPort = 51820
EOF
  - wg-quick up wg0
  - echo "relay subnet {{.RelaySubnet}} region {{.Region}}"
`

var templates = map[types.ObligationRole]string{
	types.RoleDht:   dhtTemplate,
	types.RoleRelay: relayTemplate,
}

// Render produces the cloud-init user-data for role using p's values.
func Render(role types.ObligationRole, p Params) (string, error) {
	tmplText, ok := templates[role]
	if !ok {
		return "", orcherr.New(orcherr.KindConfiguration, fmt.Sprintf("no cloud-init template for role %q", role))
	}

	tmpl, err := template.New(string(role)).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("parse cloud-init template: %w", err)
	}

	vars := renderVars{
		VmID:                p.VmID,
		NodeID:              p.NodeID,
		Region:              p.Region,
		AdvertiseIP:         p.AdvertiseIP,
		BootstrapPeers:      strings.Join(p.BootstrapPeers, ","),
		TunnelIP:            p.TunnelIP,
		WireGuardPrivateKey: p.WireGuardPrivateKey,
		RelaySubnet:         p.RelaySubnet,
		DhtBinaryBase64:     dhtBinaryFor(p.Arch),
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute cloud-init template: %w", err)
	}
	return buf.String(), nil
}

func dhtBinaryFor(arch string) string {
	if arch == "" {
		arch = "amd64"
	}
	if b, ok := dhtBinaries[arch]; ok && b != "" {
		return b
	}
	return base64.StdEncoding.EncodeToString(nil)
}
