// Package hostopts implements the per-host option override lookup of
// spec.md §4.7: a four-key priority-fallback probe against the
// coordination.KV "host-options" bucket, keyed by subnet+client-id/mac
// (v4) or subnet+duid/iaid (v6).
package hostopts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/dorad-project/dorad/pkg/coordination"
)

// Override is the small JSON record spec.md §4.7 describes. Field names
// mirror the recognized aliases the source accepts; normalize maps them
// away, so downstream consumers only see BootFile/NextServer/ServerName
// (v4) or BootFileURL/BootFileParam (v6).
type Override struct {
	BootFile    string `json:"boot_file,omitempty"`
	NextServer  string `json:"next_server,omitempty"`
	ServerName  string `json:"server_name,omitempty"`
	BootFileURL string `json:"bootfile_url,omitempty"`
	BootFileParam string `json:"bootfile_param,omitempty"`
}

func normalize(raw map[string]json.RawMessage) *Override {
	var o Override
	pick := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				var s string
				if json.Unmarshal(v, &s) == nil {
					return s, true
				}
			}
		}
		return "", false
	}
	if v, ok := pick("boot_file", "filename", "bootfile", "bootfile_name"); ok {
		o.BootFile = v
	}
	if v, ok := pick("next_server", "siaddr"); ok {
		o.NextServer = v
	}
	if v, ok := pick("server_name", "sname", "tftp_server"); ok {
		o.ServerName = v
	}
	if v, ok := pick("bootfile_url", "boot_file_url"); ok {
		o.BootFileURL = v
	}
	if v, ok := pick("bootfile_param", "boot_file_param"); ok {
		o.BootFileParam = v
	}
	return &o
}

// sanitize replaces the two characters spec.md §4.7 forbids in host-option
// keys with '_'.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

func macKey(mac net.HardwareAddr) string {
	return sanitize(mac.String())
}

func clientIDKey(clientID []byte) string {
	return sanitize(hex.EncodeToString(clientID))
}

// LookupV4 performs spec.md §4.7's four-key priority fallback for
// DHCPv4: {subnet}/client-id, global client-id, {subnet}/mac, global mac.
// The first hit wins; a total miss returns (nil, false).
func LookupV4(ctx context.Context, kv coordination.KV, subnet string, clientID []byte, mac net.HardwareAddr) (*Override, bool, error) {
	var keys []string
	if len(clientID) > 0 {
		keys = append(keys,
			fmt.Sprintf("v4/%s/client-id/%s", sanitize(subnet), clientIDKey(clientID)),
			fmt.Sprintf("v4/client-id/%s", clientIDKey(clientID)),
		)
	}
	keys = append(keys,
		fmt.Sprintf("v4/%s/mac/%s", sanitize(subnet), macKey(mac)),
		fmt.Sprintf("v4/mac/%s", macKey(mac)),
	)
	return lookup(ctx, kv, keys)
}

// LookupV6 performs spec.md §4.7's four-key priority fallback for
// DHCPv6: {subnet}/duid/iaid, global duid/iaid, {subnet}/duid, global duid.
func LookupV6(ctx context.Context, kv coordination.KV, subnet, duidHex string, iaid uint32) (*Override, bool, error) {
	keys := []string{
		fmt.Sprintf("v6/%s/duid/%s/iaid/%d", sanitize(subnet), sanitize(duidHex), iaid),
		fmt.Sprintf("v6/duid/%s/iaid/%d", sanitize(duidHex), iaid),
		fmt.Sprintf("v6/%s/duid/%s", sanitize(subnet), sanitize(duidHex)),
		fmt.Sprintf("v6/duid/%s", sanitize(duidHex)),
	}
	return lookup(ctx, kv, keys)
}

func lookup(ctx context.Context, kv coordination.KV, keys []string) (*Override, bool, error) {
	if kv == nil {
		return nil, false, nil
	}
	for _, k := range keys {
		val, _, found, err := kv.Get(ctx, coordination.BucketHostOptions, k)
		if err != nil {
			return nil, false, fmt.Errorf("hostopts: get %s: %w", k, err)
		}
		if !found {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(val, &raw); err != nil {
			return nil, false, fmt.Errorf("hostopts: decode %s: %w", k, err)
		}
		return normalize(raw), true, nil
	}
	return nil, false, nil
}
