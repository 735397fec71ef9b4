package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"esi-search-proxy/internal/model"
)

// strippedResponseHeaders are never returned to the client. Keys are canonical.
var strippedResponseHeaders = map[string]bool{
	"Strict-Transport-Security": true,
	"Transfer-Encoding":         true,
}

// onlineStatus is the only part of the character online payload that the
// legacy shape keeps.
type onlineStatus struct {
	Online bool `json:"online"`
}

// processResponse filters the upstream headers and, for targets that rewrite
// the body, replaces the body with the legacy online boolean. 204 and 304
// responses have no body and are passed through unchanged. On error the
// upstream body has been closed.
func (s *ProxyService) processResponse(t target, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       resp.Body,
	}
	if !t.rewritesBody || !hasResponseBody(resp.StatusCode) {
		return out, nil
	}

	online, err := s.decodeOnline(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	out.Header.Del("Content-Length")
	out.Header.Del("Content-Encoding")
	out.Header.Set("Content-Type", "application/json")
	out.Body = io.NopCloser(strings.NewReader(strconv.FormatBool(online)))
	return out, nil
}

// decodeOnline reads the whole body, bounded by maxRewriteBody, and returns
// its online field. A missing field is false.
func (s *ProxyService) decodeOnline(body io.Reader) (bool, error) {
	data, err := io.ReadAll(io.LimitReader(body, s.maxRewriteBody+1))
	if err != nil {
		return false, fmt.Errorf("%w: read body: %v", ErrResponseTransform, err)
	}
	if int64(len(data)) > s.maxRewriteBody {
		return false, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTransform, s.maxRewriteBody)
	}

	var st onlineStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return false, fmt.Errorf("%w: decode online status: %v", ErrResponseTransform, err)
	}
	return st.Online, nil
}

// hasResponseBody reports whether status may carry a body to rewrite.
func hasResponseBody(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified
}

// filterResponseHeaders copies the upstream headers without the stripped ones.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if strippedResponseHeaders[canonical] {
			continue
		}
		dst[canonical] = append(dst[canonical], vals...)
	}
	return dst
}
