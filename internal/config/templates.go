package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridge", "u2fd":
		return bridgeTemplate, nil
	case "client", "u2fctl":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const bridgeTemplate = `name = "u2fd"
addr = ":7300"
cors_origins = ["http://localhost:3000"]
extension_id = "kmendfapggjehodndflmmgagdbamhnfd"

# native messaging host socket
native_network = "unix"
native_addr = "/tmp/u2f-native.sock"

# websocket endpoint serving the fallback comms page
fallback_url = "ws://127.0.0.1:7400"
fallback_origin = "http://localhost"

ready_timeout = "200ms"
probe_timeout = "5s"
default_timeout_seconds = 30

# bearer token required on /sign, /register and /disconnect; empty disables
auth_token = ""
`

const clientTemplate = `extension_id = "kmendfapggjehodndflmmgagdbamhnfd"
native_network = "unix"
native_addr = "/tmp/u2f-native.sock"
fallback_url = "ws://127.0.0.1:7400"
ready_timeout = "200ms"
timeout_seconds = 30
output = "text"
`
