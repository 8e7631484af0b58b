package server

import (
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/unitd/internal/unitfile"
)

// unitNameRe matches names found in lookup directories: prefix, optional
// @instance, and a type suffix.
var unitNameRe = regexp.MustCompile(`^[A-Za-z0-9:_.-]+(@[A-Za-z0-9:_.-]*)?\.[a-z]+$`)

// cleanBase normalizes the mount point of the API group; "" means root.
func cleanBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

func validUnitName(s string) bool {
	if !unitNameRe.MatchString(s) || strings.Contains(s, "..") {
		return false
	}
	_, err := unitfile.UnitName(s)
	return err == nil
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, errorResp{Error: msg})
}

func unavailable(c *gin.Context, err error) {
	abort(c, http.StatusServiceUnavailable, err.Error())
}
