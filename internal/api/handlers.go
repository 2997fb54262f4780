package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tradesim/internal/broker"
	"tradesim/internal/domain"
)

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.broker.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, acct)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.GetPositions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, positions)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.broker.GetOrders(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, orders)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	txs, err := s.broker.GetTransactions(r.Context(), r.PathValue("id"), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, txs)
}

type cashRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleCash(withdraw bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cm, ok := s.broker.(broker.CashManager)
		if !ok {
			writeError(w, http.StatusNotImplemented, s.broker.Name()+" does not accept cash movements")
			return
		}
		var req cashRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}

		move := cm.Deposit
		if withdraw {
			move = cm.Withdraw
		}
		tx, err := move(r.Context(), r.PathValue("id"), req.Amount)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, tx)
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	o, err := s.broker.SubmitOrder(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.broker.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.broker.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, o)
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.broker.GetQuote(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, q)
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	book, err := s.broker.GetOrderBook(r.Context(), r.PathValue("symbol"), depth)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, book)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.broker.GetRecentTrades(r.Context(), r.PathValue("symbol"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, trades)
}

func (s *Server) handleGetBars(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bars, err := s.broker.GetBars(r.Context(), r.PathValue("symbol"), start, end, r.URL.Query().Get("timeframe"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, bars)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "admin surface not available for "+s.broker.Name())
		return
	}
	writeJSON(w, s.admin.Status())
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "admin surface not available for "+s.broker.Name())
		return
	}
	if err := s.admin.Save(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "saved"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "admin surface not available for "+s.broker.Name())
		return
	}
	if err := s.admin.Reset(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("ledger reset via API", "remote", r.RemoteAddr)
	writeJSON(w, map[string]string{"status": "reset"})
}

// ---------------------------------------------------------------------------
// Query parsing
// ---------------------------------------------------------------------------

// parseRange reads the optional start and end query parameters, as RFC 3339
// timestamps or YYYY-MM-DD dates. A date-only end covers that whole day.
func parseRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	if start, err = parseTime(q.Get("start"), false); err != nil {
		return
	}
	end, err = parseTime(q.Get("end"), true)
	return
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q is neither RFC 3339 nor YYYY-MM-DD", domain.ErrValidation, s)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidation, name)
	}
	return n, nil
}
