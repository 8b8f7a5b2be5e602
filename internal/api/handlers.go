package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"autotrade/internal/report"
)

const dateLayout = "2006-01-02"

// defaultRangeDays is the window used when from/to are omitted.
const defaultRangeDays = 30

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	hb := s.engine.Heartbeat()
	resp := HealthResponse{Status: "ok", Now: now, Heartbeat: hb}
	if !Fresh(hb, now) {
		resp.Status = "stale"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ps := s.engine.ActivePositions()
	writeJSON(w, PositionsResponse{Count: len(ps), Positions: ps})
}

func (s *Server) handleClosedPositions(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ps, err := s.store.ListClosedPositions(r.Context(), start, end)
	if err != nil {
		s.log.Error("listing closed positions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	writeJSON(w, PositionsResponse{Count: len(ps), Positions: ps})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	sigs, err := s.store.ListSignals(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.log.Error("listing signals", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}
	writeJSON(w, SignalsResponse{Count: len(sigs), Signals: sigs})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := s.store.ListTrades(r.Context(), start, end)
	if err != nil {
		s.log.Error("listing trades", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	writeJSON(w, TradesResponse{
		From:   start.Format(dateLayout),
		To:     end.AddDate(0, 0, -1).Format(dateLayout),
		Count:  len(trades),
		Trades: trades,
	})
}

func (s *Server) handleDiagnosis(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Diagnose(r.Context())
	if err != nil {
		s.log.Error("diagnosis failed", "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("diagnosis failed: %v", err))
		return
	}
	writeJSON(w, DiagnosisResponse{At: s.now(), Symbols: rows})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	period := report.Daily
	if v := r.URL.Query().Get("period"); v != "" {
		p, err := report.ParsePeriod(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = p
	}
	start, end, err := s.dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ps, err := s.store.ListClosedPositions(r.Context(), start, end)
	if err != nil {
		s.log.Error("listing closed positions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	writeJSON(w, report.Build(ps, period, s.loc))
}

// dateRange parses the inclusive from/to dates (YYYY-MM-DD, market time)
// into a half-open [start, end) interval. Missing bounds default to the
// last defaultRangeDays days.
func (s *Server) dateRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	today := s.now().In(s.loc)
	end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	if v := q.Get("to"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q", v)
		}
		end = t.AddDate(0, 0, 1)
	}
	start := end.AddDate(0, 0, -defaultRangeDays)
	if v := q.Get("from"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q", v)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must not be after to")
	}
	return start, end, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
