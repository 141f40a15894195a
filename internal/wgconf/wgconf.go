// Package wgconf parses and serializes WireGuard [Interface]/[Peer] config
// text. No third-party WireGuard config-file library appears anywhere in the
// retrieved corpus (see DESIGN.md), so this is a deliberately small,
// hand-rolled INI-style parser: the one stdlib-only component in the
// container-driver layer.
package wgconf

import (
	"fmt"
	"sort"
	"strings"
)

// PeerConfig is the round-trippable representation of a client-side
// WireGuard config file (one [Interface] and one [Peer] section, the shape
// produced for each leased peer slot).
type PeerConfig struct {
	InterfaceAddress    string
	InterfacePrivateKey string
	InterfaceDNS        string

	PeerPublicKey    string
	PeerPresharedKey string
	PeerEndpoint     string
	PeerAllowedIPs   string
	PeerKeepalive    int
}

// Parse reads WireGuard client-config text into a PeerConfig. It is
// tolerant of blank lines, comments ("#"/";") and whitespace padding around
// "=", matching the round-trip law in spec.md §8: Parse(Serialize(cfg)) ==
// cfg for all valid cfg, ignoring whitespace variance.
func Parse(text string) (PeerConfig, error) {
	var cfg PeerConfig
	var section string

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return PeerConfig{}, fmt.Errorf("wgconf: malformed line %q", rawLine)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch section {
		case "interface":
			switch key {
			case "address":
				cfg.InterfaceAddress = value
			case "privatekey":
				cfg.InterfacePrivateKey = value
			case "dns":
				cfg.InterfaceDNS = value
			}
		case "peer":
			switch key {
			case "publickey":
				cfg.PeerPublicKey = value
			case "presharedkey":
				cfg.PeerPresharedKey = value
			case "endpoint":
				cfg.PeerEndpoint = value
			case "allowedips":
				cfg.PeerAllowedIPs = value
			case "persistentkeepalive":
				fmt.Sscanf(value, "%d", &cfg.PeerKeepalive)
			}
		default:
			return PeerConfig{}, fmt.Errorf("wgconf: key %q outside of any section", key)
		}
	}

	if cfg.InterfacePrivateKey == "" || cfg.PeerPublicKey == "" {
		return PeerConfig{}, fmt.Errorf("wgconf: missing required PrivateKey/PublicKey")
	}
	return cfg, nil
}

// Serialize renders cfg back to canonical WireGuard config text.
func Serialize(cfg PeerConfig) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.InterfacePrivateKey)
	if cfg.InterfaceAddress != "" {
		fmt.Fprintf(&b, "Address = %s\n", cfg.InterfaceAddress)
	}
	if cfg.InterfaceDNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", cfg.InterfaceDNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfg.PeerPublicKey)
	if cfg.PeerPresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", cfg.PeerPresharedKey)
	}
	if cfg.PeerEndpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", cfg.PeerEndpoint)
	}
	if cfg.PeerAllowedIPs != "" {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", cfg.PeerAllowedIPs)
	}
	if cfg.PeerKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", cfg.PeerKeepalive)
	}
	return b.String()
}

// ServerPeerStanza renders the single [Peer] stanza the server-side
// wg0.conf keeps for one leased client, keyed by public key (spec.md §4.2).
type ServerPeerStanza struct {
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
}

// RewriteServerConfig replaces the [Peer] stanza identified by oldPublicKey
// with newPeer inside the existing server config text, preserving every
// other line verbatim, and returns an error if no stanza carries
// oldPublicKey (nothing is appended) -- the rollback path in
// spec.md §4.2 depends on this being a precise, minimal edit.
func RewriteServerConfig(serverConfText string, oldPublicKey string, newPeer ServerPeerStanza) (string, error) {
	lines := strings.Split(serverConfText, "\n")
	out := make([]string, 0, len(lines))

	replaced := false
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.EqualFold(trimmed, "[Peer]") {
			// Look ahead to see whether this peer block is the one we're
			// replacing (matches oldPublicKey).
			blockEnd := i + 1
			blockIsTarget := false
			for blockEnd < len(lines) {
				bt := strings.TrimSpace(lines[blockEnd])
				if strings.HasPrefix(bt, "[") && strings.HasSuffix(bt, "]") {
					break
				}
				k, v, ok := strings.Cut(bt, "=")
				if ok && strings.EqualFold(strings.TrimSpace(k), "PublicKey") && strings.TrimSpace(v) == oldPublicKey {
					blockIsTarget = true
				}
				blockEnd++
			}
			if blockIsTarget {
				out = append(out, "[Peer]")
				out = append(out, fmt.Sprintf("PublicKey = %s", newPeer.PublicKey))
				if newPeer.PresharedKey != "" {
					out = append(out, fmt.Sprintf("PresharedKey = %s", newPeer.PresharedKey))
				}
				if newPeer.AllowedIPs != "" {
					out = append(out, fmt.Sprintf("AllowedIPs = %s", newPeer.AllowedIPs))
				}
				replaced = true
				i = blockEnd
				continue
			}
		}
		out = append(out, line)
		i++
	}

	if !replaced {
		return "", fmt.Errorf("wgconf: peer with public key %s not found in server config", oldPublicKey)
	}
	return strings.Join(out, "\n"), nil
}

// CountConfiguredPeers scans server config text for the number of [Peer]
// stanzas present. Nothing outside this package's tests calls it.
func CountConfiguredPeers(serverConfText string) int {
	n := 0
	for _, line := range strings.Split(serverConfText, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "[Peer]") {
			n++
		}
	}
	return n
}

// SortedPeerIDs returns a sorted ascending copy of ids; the driver does not
// call it (it walks peer ids 1..PeerCount in order itself).
func SortedPeerIDs(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
