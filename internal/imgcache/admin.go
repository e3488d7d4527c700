package imgcache

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  p.State().String(),
	})
}

func (p *Proxy) handleGenerations(w http.ResponseWriter, r *http.Request) {
	infos, err := DescribeGenerations(r.Context(), p.store, p.cfg.CurrentGenerations()...)
	if err != nil {
		p.log.Warn("describe generations failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (p *Proxy) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := p.Activate(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotInstalled) {
			status = http.StatusConflict
		}
		writeJSONError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": p.State().String()})
}

// handleSync is the out-of-band resync trigger. The tag comes from the
// "tag" query or form value and defaults to sync.tag.
func (p *Proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.FormValue("tag")
	if tag == "" {
		tag = p.cfg.Sync.Tag
	}
	report, err := p.Resync(r.Context(), tag)
	switch {
	case errors.Is(err, ErrUnknownSyncTag):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotActive):
		writeJSONError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		p.log.Warn("resync failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
