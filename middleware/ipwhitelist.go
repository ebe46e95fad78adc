package middleware

import (
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/togetherinbloom/server/apperr"
)

// IPWhitelist guards the admin group. Entries are single addresses or CIDR
// prefixes. An empty list lets every client through; a list whose entries
// all fail to parse lets nobody through.
func IPWhitelist(entries []string) gin.HandlerFunc {
	if len(entries) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	allowed := parsePrefixes(entries)
	return func(c *gin.Context) {
		if addr, err := netip.ParseAddr(c.ClientIP()); err == nil {
			addr = addr.Unmap()
			for _, p := range allowed {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}
		Abort(c, apperr.New(apperr.CodeForbidden, "access denied"))
	}
}

func parsePrefixes(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}
