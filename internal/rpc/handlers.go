// Package rpc - request handlers.
package rpc

import (
	"net/http"
	"strconv"

	"github.com/cadena-bitcoin/cadena-oracle/internal/oracle"
)

// queryInt64 parses an optional integer query parameter; ok is false on
// malformed input.
func queryInt64(r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"Oracle": "API"})
}

func (s *Server) handleOracleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.oracle.GetOracleInfo()
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) handleOracleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.oracle.GetOracleStatus()
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	info, err := s.oracle.GetEventByID(r.PathValue("event_id"))
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	if info == nil {
		s.writeJSON(w, nil)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	startTime, ok := queryInt64(r, "start_time")
	if !ok {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, ok := queryInt64(r, "end_time")
	if !ok {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	definition := r.URL.Query().Get("definition")

	infos, err := s.oracle.GetEventsFilter(startTime, endTime, definition, 0)
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	if infos == nil {
		infos = []*oracle.EventInfo{}
	}
	s.writeJSON(w, infos)
}

func (s *Server) handleEventIDs(w http.ResponseWriter, r *http.Request) {
	startTime, ok := queryInt64(r, "start_time")
	if !ok {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, ok := queryInt64(r, "end_time")
	if !ok {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	definition := r.URL.Query().Get("definition")

	ids, err := s.oracle.GetEventIDsFilter(startTime, endTime, definition)
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, ids)
}

func (s *Server) handleEventClasses(w http.ResponseWriter, r *http.Request) {
	infos, err := s.oracle.GetEventClasses()
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	s.writeJSON(w, infos)
}

func (s *Server) handleNextEvent(w http.ResponseWriter, r *http.Request) {
	definition := r.URL.Query().Get("definition")
	period, ok := queryInt64(r, "period")
	if !ok {
		http.Error(w, "invalid period", http.StatusBadRequest)
		return
	}
	if period == 0 {
		period = 60
	}

	info, err := s.oracle.GetNextEvent(definition, period)
	if err != nil {
		s.writeServerError(w, err)
		return
	}
	if info == nil {
		s.writeJSON(w, nil)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) handlePriceAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.oracle.GetPrices(r.Context()))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.oracle.GetPrice(r.Context(), r.PathValue("symbol"), 0))
}

func (s *Server) handlePriceInfoAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.oracle.GetPriceInfos(r.Context()))
}

func (s *Server) handlePriceInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.oracle.GetPriceInfo(r.Context(), r.PathValue("symbol")))
}
