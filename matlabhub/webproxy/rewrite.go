package webproxy

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	messagingSuffix = "messageservice/json/secure"
	clientTypePath  = "messages.ClientType"
	desktopType     = "jsd"
	remoteType      = "jsd_rmt_tmw"
)

// needsRewrite reports whether a request may carry a client type to rewrite.
func needsRewrite(method, path string) bool {
	return method == "POST" && strings.HasSuffix(path, messagingSuffix)
}

// RewriteClientType replaces every messages.ClientType[].properties.TYPE
// equal to "jsd" with "jsd_rmt_tmw". Bodies without a match, including
// malformed ones, are returned unchanged and false.
func RewriteClientType(body []byte) ([]byte, bool) {
	if !gjson.ValidBytes(body) {
		return body, false
	}
	types := gjson.GetBytes(body, clientTypePath)
	if !types.IsArray() {
		return body, false
	}

	out := body
	changed := false
	for i, ct := range types.Array() {
		typ := ct.Get("properties.TYPE")
		if typ.Type != gjson.String || typ.Str != desktopType {
			continue
		}
		path := clientTypePath + "." + strconv.Itoa(i) + ".properties.TYPE"
		next, err := sjson.SetBytes(out, path, remoteType)
		if err != nil {
			return body, false
		}
		out = next
		changed = true
	}
	return out, changed
}
