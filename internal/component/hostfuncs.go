package component

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// writeGuestString allocates a buffer in the guest (via its exported
// alloc) and writes s into it, returning (ptr, len). Used by every host
// function that needs to hand data back to the component.
func writeGuestString(ctx context.Context, mod api.Module, s string) (uint32, uint32) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0
	}
	b := []byte(s)
	res, err := alloc.Call(ctx, uint64(len(b)))
	if err != nil || len(res) == 0 {
		return 0, 0
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, b) {
		return 0, 0
	}
	return ptr, uint32(len(b))
}

func (h *Host) hostKVGet(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) (uint32, uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return 0, 0
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return 0, 0
	}
	val, ok := cc.state.KV.Get(key)
	if !ok {
		return 0, 0
	}
	return writeGuestString(ctx, mod, val)
}

func (h *Host) hostKVSet(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return
	}
	val, ok := readGuestString(mod, valPtr, valLen)
	if !ok {
		return
	}
	cc.state.KV.Set(key, val)
}

func (h *Host) hostKVDelete(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return
	}
	cc.state.KV.Delete(key)
}

func (h *Host) hostConfigGet(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) (uint32, uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return 0, 0
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return 0, 0
	}
	val, ok := cc.state.Config[key]
	if !ok {
		return 0, 0
	}
	return writeGuestString(ctx, mod, val)
}

func (h *Host) hostLog(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return
	}
	level, _ := readGuestString(mod, levelPtr, levelLen)
	msg, _ := readGuestString(mod, msgPtr, msgLen)
	cc.state.Log(level, msg, nil)
}

// hostHTTPGet is a stub outbound-HTTP import: it enforces the allowed_hosts
// capability filter and performs a plain GET. Real wasi:http outgoing-handler
// linking, connection reuse, and streaming bodies are out of scope here —
// the HTTP node type (internal/runtime) is the primary outbound path; this
// import exists for components that need a direct fetch.
func (h *Host) hostHTTPGet(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) (uint32, uint32) {
	cc := callCtxFrom(ctx)
	if cc == nil {
		return 0, 0
	}
	url, ok := readGuestString(mod, urlPtr, urlLen)
	if !ok {
		return 0, 0
	}
	if !hostAllowed(url, cc.allowedHosts) {
		return writeGuestString(ctx, mod, `{"error":"host not permitted"}`)
	}

	client := http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return writeGuestString(ctx, mod, fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	resp, err := client.Do(req)
	if err != nil {
		return writeGuestString(ctx, mod, fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return writeGuestString(ctx, mod, string(body))
}

// hostAllowed checks a URL's host against the allowed_hosts capability
// list. A leading "*." entry matches any subdomain; any other entry
// matches only an exact host.
func hostAllowed(rawURL string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	host := extractHost(rawURL)
	for _, pattern := range allowed {
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == pattern[2:] {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func extractHost(rawURL string) string {
	s := rawURL
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}
