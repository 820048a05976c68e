package main

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/yuanrong/pkg/bundlemgr"
	"github.com/cuemby/yuanrong/pkg/domainsched"
	"github.com/cuemby/yuanrong/pkg/globalsched"
	"github.com/cuemby/yuanrong/pkg/groupctrl"
	"github.com/cuemby/yuanrong/pkg/localsched"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminMux builds the HTTP surface every yuanrong process exposes
// alongside its scheduling hierarchy: metrics, topology introspection, and
// client-facing group/bundle admission. Group and bundle requests are
// routed to the controller owning the domain/local named in the URL.
func newAdminMux(
	gs *globalsched.Scheduler,
	domainSchedulers map[string]*domainsched.Scheduler,
	localSchedulers map[string]*localsched.Scheduler,
	groupControllers map[string]*groupctrl.Controller,
	bundleManagers map[string]*bundlemgr.Manager,
) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", metrics.LivenessHandler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

	mux.HandleFunc("/topology", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gs.Domains())
	})

	mux.HandleFunc("POST /domains/{domain}/groups", func(w http.ResponseWriter, r *http.Request) {
		ctrl, ok := groupControllers[r.PathValue("domain")]
		if !ok {
			http.Error(w, "unknown domain", http.StatusNotFound)
			return
		}
		var group types.Group
		if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		admitted, err := ctrl.AdmitGroup(r.Context(), group)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, admitted)
	})

	mux.HandleFunc("DELETE /domains/{domain}/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		ctrl, ok := groupControllers[r.PathValue("domain")]
		if !ok {
			http.Error(w, "unknown domain", http.StatusNotFound)
			return
		}
		if err := ctrl.ReleaseGroup(r.Context(), r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /locals/{local}/bundles", func(w http.ResponseWriter, r *http.Request) {
		mgr, ok := bundleManagers[r.PathValue("local")]
		if !ok {
			http.Error(w, "unknown local scheduler", http.StatusNotFound)
			return
		}
		var body struct {
			UnitID   string                `json:"unitId"`
			Request  types.ResourceRequest `json:"request"`
			ParentID string                `json:"parentId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bundle, err := mgr.ReserveBundle(r.Context(), body.UnitID, body.Request, body.ParentID)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	})

	mux.HandleFunc("GET /domains/{domain}/groups/decisions", func(w http.ResponseWriter, r *http.Request) {
		ctrl, ok := groupControllers[r.PathValue("domain")]
		if !ok {
			http.Error(w, "unknown domain", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.RecentDecisions(100))
	})

	mux.HandleFunc("GET /domains/{domain}/decisions", func(w http.ResponseWriter, r *http.Request) {
		ds, ok := domainSchedulers[r.PathValue("domain")]
		if !ok {
			http.Error(w, "unknown domain", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, ds.RecentDecisions(100))
	})

	mux.HandleFunc("GET /locals/{local}/decisions", func(w http.ResponseWriter, r *http.Request) {
		ls, ok := localSchedulers[r.PathValue("local")]
		if !ok {
			http.Error(w, "unknown local scheduler", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, ls.RecentDecisions(100))
	})

	mux.HandleFunc("DELETE /locals/{local}/bundles/{id}", func(w http.ResponseWriter, r *http.Request) {
		mgr, ok := bundleManagers[r.PathValue("local")]
		if !ok {
			http.Error(w, "unknown local scheduler", http.StatusNotFound)
			return
		}
		if err := mgr.RemoveBundle(r.Context(), r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
