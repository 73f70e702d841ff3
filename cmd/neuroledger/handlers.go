package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/synaptiq/neuroledger/pkg/ingest"
	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/query"
	"github.com/synaptiq/neuroledger/pkg/report"
)

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

// newAPIHandler exposes the ingest gate, query service and report generator
// over HTTP. Producers submit events; auditors read verified timelines.
func newAPIHandler(gate *ingest.Gate, svc *query.Service, reports *report.Generator) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/events", func(w http.ResponseWriter, r *http.Request) {
		var sub ledger.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		// ledger.* variants are written by the gate and the verifier
		// themselves; a producer must not forge self-audit entries.
		if strings.HasPrefix(string(sub.EventType), "ledger.") {
			writeError(w, http.StatusBadRequest, "event type reserved for ledger self-audit")
			return
		}
		ev, err := gate.Submit(r.Context(), sub)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	})

	mux.HandleFunc("GET /v1/events/recent", func(w http.ResponseWriter, r *http.Request) {
		_, limit := pagination(r)
		events, err := svc.RecentEvents(r.Context(), limit)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	})

	mux.HandleFunc("GET /v1/partitions/{key}/timeline", func(w http.ResponseWriter, r *http.Request) {
		offset, limit := pagination(r)
		page, err := svc.PartitionTimeline(r.Context(), r.PathValue("key"), offset, limit)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	})

	mux.HandleFunc("GET /v1/partitions/{key}/verify", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := svc.VerifyChain(r.Context(), key); err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"partition_key": key, "status": "verified"})
	})

	mux.HandleFunc("GET /v1/partitions/{key}/bundle", func(w http.ResponseWriter, r *http.Request) {
		offset, limit := pagination(r)
		bundle, err := svc.ExportBundle(r.Context(), r.PathValue("key"), offset, limit)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	})

	mux.HandleFunc("GET /v1/access-log", func(w http.ResponseWriter, r *http.Request) {
		userHash := r.URL.Query().Get("user_hash")
		from, to, err := window(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		offset, limit := pagination(r)
		events, err := svc.AccessLog(r.Context(), userHash, from, to, offset, limit)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_hash": userHash,
			"events":    events,
		})
	})

	mux.HandleFunc("GET /v1/integrity", func(w http.ResponseWriter, r *http.Request) {
		partition := r.URL.Query().Get("partition_key")
		dataHash := r.URL.Query().Get("data_hash")
		if partition == "" || dataHash == "" {
			writeError(w, http.StatusBadRequest, "partition_key and data_hash are required")
			return
		}
		found, err := svc.VerifyDataIntegrity(r.Context(), partition, dataHash)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		body := map[string]interface{}{
			"partition_key": partition,
			"data_hash":     dataHash,
			"recorded":      found,
		}
		if found && r.URL.Query().Get("proof") == "true" {
			proof, err := svc.InclusionProof(r.Context(), partition, dataHash)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			body["proof"] = proof
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.HandleFunc("POST /v1/reports", func(w http.ResponseWriter, r *http.Request) {
		var req report.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		rep, err := reports.Generate(r.Context(), req)
		if err != nil {
			// The failed report still carries its id and failure note.
			writeJSON(w, http.StatusUnprocessableEntity, rep)
			return
		}
		writeJSON(w, http.StatusCreated, rep)
	})

	mux.HandleFunc("GET /v1/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := reports.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	return mux
}

func pagination(r *http.Request) (offset, limit int) {
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	return offset, limit
}

func window(r *http.Request) (from, to time.Time, err error) {
	if v := r.URL.Query().Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("invalid from: " + err.Error())
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errors.New("invalid to: " + err.Error())
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	var validation *ledger.ValidationError
	var conflict *ledger.ChainConflictError
	var corruption *ledger.ChainCorruptionError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &corruption):
		// Fail loud: corrupted partitions are unreadable until reconciled.
		writeError(w, http.StatusInternalServerError, corruption.Error())
	case errors.Is(err, ledger.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ledger.ErrSigningUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ledger.ErrPartitionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
