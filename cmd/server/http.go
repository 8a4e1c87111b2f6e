package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dynstack.ai/internal/sim/tuning"
	"dynstack.ai/internal/transport/ws"
)

type muxDeps struct {
	store   *tuning.Store
	index   runtimeIndex
	ws      *ws.Server
	metrics bool
	admin   bool
	pprof   bool
}

func newMux(d muxDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	if d.metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	if d.admin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			t := d.store.Get()
			resp := struct {
				Sessions     int            `json:"sessions"`
				TuningDigest string         `json:"tuning_digest"`
				Tuning       tuning.Tuning  `json:"tuning"`
				Index        map[string]any `json:"index,omitempty"`
			}{
				Sessions:     d.ws.Sessions(),
				TuningDigest: t.Digest(),
				Tuning:       t,
			}
			if d.index != nil {
				st := d.index.Stats()
				resp.Index = map[string]any{
					"queue_depth":          st.QueueDepth,
					"queue_capacity":       st.QueueCapacity,
					"drop_plan_total":      st.DropPlanTotal,
					"drop_recording_total": st.DropRecordingTotal,
				}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
	}
	if d.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", d.ws.Handler())
	return mux
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
