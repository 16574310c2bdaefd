package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/canxin121/opencode-studio-sub001/internal/logging"
)

// proxyGet forwards a GET to the upstream agent's bridge at path with the
// given raw query string and returns the upstream status code, the raw
// body bytes, and whether the round trip itself succeeded (a non-2xx
// upstream status is still "ok" here; the caller decides how to surface
// it).
func (s *Server) proxyGet(r *http.Request, path, rawQuery string) (int, []byte, bool) {
	bridge, ok := s.deps.Supervisor.Bridge()
	if !ok {
		return 0, nil, false
	}
	target := bridge.BuildURL(path, rawQuery)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, false
	}
	resp, err := bridge.Client.Do(req)
	if err != nil {
		logging.Warn().Err(err).Str("target", target).Msg("server: passthrough request failed")
		return 0, nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, false
	}
	return resp.StatusCode, body, true
}

// passthroughSessionStatus reverse-proxies GET /api/session/status[?directory=]
// to the upstream agent verbatim: no caching, no reshaping.
func (s *Server) passthroughSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, body, ok := s.proxyGet(r, "/session/status", r.URL.RawQuery)
	if !ok {
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamUnready, "opencode agent is not reachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// passthroughFileFind forwards GET /api/file/find to the upstream agent's
// /find/file, then re-ranks the returned file list: a `pattern` containing
// glob metacharacters filters by doublestar glob match, otherwise results
// are sorted by Levenshtein distance to the pattern so the closest match
// sorts first. This is deliberately thin enrichment on top of the
// upstream's own result set, not an independent search implementation.
func (s *Server) passthroughFileFind(w http.ResponseWriter, r *http.Request) {
	status, body, ok := s.proxyGet(r, "/find/file", r.URL.RawQuery)
	if !ok {
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamUnready, "opencode agent is not reachable")
		return
	}
	if status < 200 || status >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	var payload struct {
		Files []string `json:"files"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	files := rankFileMatches(pattern, payload.Files)

	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func rankFileMatches(pattern string, files []string) []string {
	if pattern == "" {
		return files
	}

	if isGlobPattern(pattern) {
		out := make([]string, 0, len(files))
		for _, f := range files {
			if ok, _ := doublestar.Match(pattern, f); ok {
				out = append(out, f)
			}
		}
		return out
	}

	out := append([]string(nil), files...)
	sort.SliceStable(out, func(i, j int) bool {
		return levenshtein.ComputeDistance(pattern, out[i]) < levenshtein.ComputeDistance(pattern, out[j])
	})
	return out
}

// passthroughFindSymbol forwards GET /api/find/symbol to the upstream
// agent's /find/symbol, then re-sorts the returned symbols by Levenshtein
// distance between the query and each symbol's name so the closest
// textual match sorts first, same thin-enrichment contract as file find.
func (s *Server) passthroughFindSymbol(w http.ResponseWriter, r *http.Request) {
	status, body, ok := s.proxyGet(r, "/find/symbol", r.URL.RawQuery)
	if !ok {
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamUnready, "opencode agent is not reachable")
		return
	}
	if status < 200 || status >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	var symbols []map[string]any
	if err := json.Unmarshal(body, &symbols); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query != "" {
		sort.SliceStable(symbols, func(i, j int) bool {
			return levenshtein.ComputeDistance(query, symbolName(symbols[i])) <
				levenshtein.ComputeDistance(query, symbolName(symbols[j]))
		})
	}

	writeJSON(w, http.StatusOK, symbols)
}

func symbolName(symbol map[string]any) string {
	if name, ok := symbol["name"].(string); ok {
		return name
	}
	return ""
}
