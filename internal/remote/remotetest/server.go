// Package remotetest provides an in-memory stand-in for the savings REST
// authority, served over httptest for client and end-to-end tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/remote"
)

type failure struct {
	method    string
	path      string
	status    int
	remaining int // negative = forever
}

// Server mimics the REST authority for a single authenticated user.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	nextID      int64
	goals       []remote.Goal
	deposits    []remote.Deposit
	withdrawals []remote.Withdrawal
	profile     remote.Profile
	calls       map[string]int
	failures    []failure
	hold        chan struct{}

	// Now stamps created_at/updated_at. Defaults to time.Now in UTC.
	Now func() time.Time
}

// New starts a server that accepts only the given bearer token.
func New(token string) *Server {
	s := &Server{
		token:   token,
		nextID:  100,
		calls:   make(map[string]int),
		profile: remote.Profile{ID: 1, Name: "Test User", Email: "user@example.com", ReminderFrequency: "weekly", Theme: "light"},
		Now:     func() time.Time { return time.Now().UTC() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /savings-goals", s.listGoals)
	mux.HandleFunc("POST /savings-goals", s.createGoal)
	mux.HandleFunc("GET /savings-goals/primary", s.primaryGoal)
	mux.HandleFunc("PUT /savings-goals/{id}", s.updateGoal)
	mux.HandleFunc("DELETE /savings-goals/{id}", s.deleteGoal)
	mux.HandleFunc("PUT /savings-goals/{id}/set-primary", s.setPrimary)

	mux.HandleFunc("GET /savings-entries", s.listDeposits)
	mux.HandleFunc("POST /savings-entries", s.createDeposit)
	mux.HandleFunc("GET /savings-entries/total-savings", s.totalSavings)
	mux.HandleFunc("PUT /savings-entries/{id}", s.updateDeposit)
	mux.HandleFunc("DELETE /savings-entries/{id}", s.deleteDeposit)

	mux.HandleFunc("GET /withdrawal-entries", s.listWithdrawals)
	mux.HandleFunc("POST /withdrawal-entries", s.createWithdrawal)
	mux.HandleFunc("PUT /withdrawal-entries/{id}", s.updateWithdrawal)
	mux.HandleFunc("DELETE /withdrawal-entries/{id}", s.deleteWithdrawal)

	mux.HandleFunc("GET /user/profile", s.getProfile)
	mux.HandleFunc("PUT /user/profile", s.updateProfile)
	mux.HandleFunc("PUT /user/net-income", s.updateNetIncome)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		hold := s.hold
		status := s.takeFailure(r.Method, r.URL.Path)
		s.mu.Unlock()

		if hold != nil {
			<-hold
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeEnvelope(w, http.StatusUnauthorized, false, "Unauthenticated.", nil, nil)
			return
		}
		if status != 0 {
			writeEnvelope(w, status, false, fmt.Sprintf("injected failure %d", status), nil, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFailure(method, path string) int {
	for i := range s.failures {
		f := &s.failures[i]
		if f.method != method || f.path != path || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.status
	}
	return 0
}

// Fail makes the next times requests to method+path answer with status.
// A negative times fails forever.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, path: path, status: status, remaining: times})
}

// Hold blocks every request until the returned release func is called.
func (s *Server) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many requests hit method+path.
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

func (s *Server) AddGoal(g remote.Goal) remote.Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = s.id()
	g.CreatedAt, g.UpdatedAt = s.stamp(g.CreatedAt)
	if g.IsPrimary {
		s.clearPrimary()
	}
	s.goals = append(s.goals, g)
	return g
}

func (s *Server) AddDeposit(d remote.Deposit) remote.Deposit {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.id()
	d.CreatedAt, d.UpdatedAt = s.stamp(d.CreatedAt)
	s.deposits = append(s.deposits, d)
	return d
}

func (s *Server) AddWithdrawal(w remote.Withdrawal) remote.Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.ID = s.id()
	w.CreatedAt, w.UpdatedAt = s.stamp(w.CreatedAt)
	s.withdrawals = append(s.withdrawals, w)
	return w
}

// RemoveDeposit drops a deposit server-side, as if deleted from another client.
func (s *Server) RemoveDeposit(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = removeByID(s.deposits, id, func(d remote.Deposit) int64 { return d.ID })
}

func (s *Server) SetProfile(p remote.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

func (s *Server) Goals() []remote.Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Goal(nil), s.goals...)
}

func (s *Server) Deposits() []remote.Deposit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Deposit(nil), s.deposits...)
}

func (s *Server) Withdrawals() []remote.Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Withdrawal(nil), s.withdrawals...)
}

func (s *Server) Profile() remote.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) stamp(created time.Time) (time.Time, time.Time) {
	now := s.Now()
	if created.IsZero() {
		created = now
	}
	return created, now
}

func (s *Server) clearPrimary() {
	for i := range s.goals {
		s.goals[i].IsPrimary = false
	}
}

// goals

func (s *Server) listGoals(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Goals())
}

func (s *Server) createGoal(w http.ResponseWriter, r *http.Request) {
	var in remote.GoalInput
	if !decode(w, r, &in) {
		return
	}
	if fields := validateGoal(in); fields != nil {
		writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil, fields)
		return
	}
	s.mu.Lock()
	for _, g := range s.goals {
		if g.Name == in.Name {
			s.mu.Unlock()
			writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil,
				map[string][]string{"name": {"The name has already been taken."}})
			return
		}
	}
	g := remote.Goal{ID: s.id(), Name: in.Name, TargetAmount: in.TargetAmount, CurrentAmount: in.CurrentAmount, IsPrimary: in.IsPrimary}
	g.CreatedAt, g.UpdatedAt = s.stamp(time.Time{})
	if g.IsPrimary {
		s.clearPrimary()
	}
	s.goals = append(s.goals, g)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, g)
}

func (s *Server) updateGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in remote.GoalInput
	if !decode(w, r, &in) {
		return
	}
	if fields := validateGoal(in); fields != nil {
		writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil, fields)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.goals {
		if s.goals[i].ID != id {
			continue
		}
		if in.IsPrimary {
			s.clearPrimary()
		}
		g := &s.goals[i]
		g.Name, g.TargetAmount, g.CurrentAmount, g.IsPrimary = in.Name, in.TargetAmount, in.CurrentAmount, in.IsPrimary
		g.UpdatedAt = s.Now()
		writeData(w, http.StatusOK, *g)
		return
	}
	writeEnvelope(w, http.StatusNotFound, false, "Savings goal not found", nil, nil)
}

func (s *Server) deleteGoal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.goals)
	s.goals = removeByID(s.goals, id, func(g remote.Goal) int64 { return g.ID })
	if len(s.goals) == before {
		writeEnvelope(w, http.StatusNotFound, false, "Savings goal not found", nil, nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "Savings goal deleted successfully", nil, nil)
}

func (s *Server) setPrimary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.goals {
		if s.goals[i].ID == id {
			s.clearPrimary()
			s.goals[i].IsPrimary = true
			s.goals[i].UpdatedAt = s.Now()
			writeData(w, http.StatusOK, s.goals[i])
			return
		}
	}
	writeEnvelope(w, http.StatusNotFound, false, "Savings goal not found", nil, nil)
}

func (s *Server) primaryGoal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.goals {
		if g.IsPrimary {
			writeData(w, http.StatusOK, g)
			return
		}
	}
	writeData(w, http.StatusOK, nil)
}

// deposits

func (s *Server) listDeposits(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Deposits())
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	var in remote.DepositInput
	if !decode(w, r, &in) {
		return
	}
	if !in.AmountSaved.GreaterThanOrEqual(decimal.RequireFromString("0.01")) {
		writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil,
			map[string][]string{"amount_saved": {"The amount saved must be at least 0.01."}})
		return
	}
	s.mu.Lock()
	d := remote.Deposit{ID: s.id(), AmountSaved: in.AmountSaved, Notes: in.Notes, SavingsGoalID: in.SavingsGoalID}
	if in.NetIncome != nil {
		d.NetIncome = decimal.NewNullDecimal(*in.NetIncome)
	}
	d.CreatedAt, d.UpdatedAt = s.stamp(time.Time{})
	s.deposits = append(s.deposits, d)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, d)
}

func (s *Server) updateDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in remote.DepositInput
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deposits {
		if s.deposits[i].ID != id {
			continue
		}
		d := &s.deposits[i]
		d.AmountSaved, d.Notes, d.SavingsGoalID = in.AmountSaved, in.Notes, in.SavingsGoalID
		d.NetIncome = decimal.NullDecimal{}
		if in.NetIncome != nil {
			d.NetIncome = decimal.NewNullDecimal(*in.NetIncome)
		}
		d.UpdatedAt = s.Now()
		writeData(w, http.StatusOK, *d)
		return
	}
	writeEnvelope(w, http.StatusNotFound, false, "Savings entry not found", nil, nil)
}

func (s *Server) deleteDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.deposits)
	s.deposits = removeByID(s.deposits, id, func(d remote.Deposit) int64 { return d.ID })
	if len(s.deposits) == before {
		writeEnvelope(w, http.StatusNotFound, false, "Savings entry not found", nil, nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "Savings entry deleted successfully", nil, nil)
}

func (s *Server) totalSavings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	total := decimal.Zero
	for _, d := range s.deposits {
		total = total.Add(d.AmountSaved)
	}
	for _, wd := range s.withdrawals {
		total = total.Sub(wd.AmountWithdrawn)
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]decimal.Decimal{"total_savings": total})
}

// withdrawals

func (s *Server) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Withdrawals())
}

func (s *Server) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in remote.WithdrawalInput
	if !decode(w, r, &in) {
		return
	}
	if !in.AmountWithdrawn.GreaterThanOrEqual(decimal.RequireFromString("0.01")) {
		writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil,
			map[string][]string{"amount_withdrawn": {"The amount withdrawn must be at least 0.01."}})
		return
	}
	s.mu.Lock()
	wd := remote.Withdrawal{ID: s.id(), AmountWithdrawn: in.AmountWithdrawn, Reason: in.Reason, Notes: in.Notes, SavingsGoalID: in.SavingsGoalID}
	wd.CreatedAt, wd.UpdatedAt = s.stamp(time.Time{})
	s.withdrawals = append(s.withdrawals, wd)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, wd)
}

func (s *Server) updateWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in remote.WithdrawalInput
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.withdrawals {
		if s.withdrawals[i].ID != id {
			continue
		}
		wd := &s.withdrawals[i]
		wd.AmountWithdrawn, wd.Reason, wd.Notes, wd.SavingsGoalID = in.AmountWithdrawn, in.Reason, in.Notes, in.SavingsGoalID
		wd.UpdatedAt = s.Now()
		writeData(w, http.StatusOK, *wd)
		return
	}
	writeEnvelope(w, http.StatusNotFound, false, "Withdrawal entry not found", nil, nil)
}

func (s *Server) deleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.withdrawals)
	s.withdrawals = removeByID(s.withdrawals, id, func(wd remote.Withdrawal) int64 { return wd.ID })
	if len(s.withdrawals) == before {
		writeEnvelope(w, http.StatusNotFound, false, "Withdrawal entry not found", nil, nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "Withdrawal entry deleted successfully", nil, nil)
}

// user

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Profile())
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in remote.ProfileInput
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	voice := in.VoiceNotificationsEnabled
	s.profile.ProfilePicture = in.ProfilePicture
	s.profile.VoiceNotificationsEnabled = &voice
	s.profile.ReminderFrequency = in.ReminderFrequency
	s.profile.Theme = in.Theme
	p := s.profile
	s.mu.Unlock()
	writeData(w, http.StatusOK, p)
}

func (s *Server) updateNetIncome(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NetIncome decimal.Decimal `json:"net_income"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.NetIncome.IsNegative() {
		writeEnvelope(w, http.StatusUnprocessableEntity, false, "Validation failed", nil,
			map[string][]string{"net_income": {"The net income must be at least 0."}})
		return
	}
	s.mu.Lock()
	s.profile.NetIncome = decimal.NewNullDecimal(in.NetIncome)
	s.mu.Unlock()
	writeData(w, http.StatusOK, map[string]decimal.Decimal{"net_income": in.NetIncome})
}

func validateGoal(in remote.GoalInput) map[string][]string {
	fields := map[string][]string{}
	if in.Name == "" {
		fields["name"] = []string{"The name field is required."}
	}
	if !in.TargetAmount.IsPositive() {
		fields["target_amount"] = []string{"The target amount must be at least 0.01."}
	}
	if in.CurrentAmount.IsNegative() {
		fields["current_amount"] = []string{"The current amount must be at least 0."}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeEnvelope(w, http.StatusBadRequest, false, "Malformed JSON: "+err.Error(), nil, nil)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeEnvelope(w, http.StatusNotFound, false, "Not found", nil, nil)
		return 0, false
	}
	return id, true
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, true, "", data, nil)
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data any, fields map[string][]string) {
	body := map[string]any{"success": success}
	if message != "" {
		body["message"] = message
	}
	if success {
		body["data"] = data
	}
	if fields != nil {
		body["errors"] = fields
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func removeByID[T any](items []T, id int64, idOf func(T) int64) []T {
	out := items[:0]
	for _, it := range items {
		if idOf(it) != id {
			out = append(out, it)
		}
	}
	return out
}
