package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/engine"
)

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

type startSyncRequest struct {
	Kinds []string `json:"kinds"`
}

// handleStartSync launches a run in the background. Progress is read back
// through the report and logs endpoints.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	groupID := pathID(r)

	var req startSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	kinds, err := engine.NormalizeKinds(req.Kinds)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.db.Groups.Get(r.Context(), groupID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "sync group not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load sync group")
		return
	}

	runID, err := s.orch.Launch(context.Background(), groupID, kinds)
	if err != nil {
		if errors.Is(err, engine.ErrSyncBusy) {
			s.writeError(w, http.StatusConflict, "sync already running for this group")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"group_id": groupID,
		"run_id":   runID,
		"kinds":    kinds,
		"status":   "started",
	})
}

func (s *Server) handleStopSync(w http.ResponseWriter, r *http.Request) {
	groupID := pathID(r)
	if !s.orch.Stop(groupID) {
		s.writeError(w, http.StatusNotFound, "no running sync for this group")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"status":   "stopping",
	})
}

// handleReport returns the group's most recent run report, falling back to
// the persisted log when the process restarted since the run.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	groupID := pathID(r)

	if report, ok := s.orch.Report(groupID); ok {
		s.writeJSON(w, http.StatusOK, report)
		return
	}

	entry, err := s.db.Logs.Last(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no sync run recorded for this group")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load sync log")
		return
	}

	var report engine.RunReport
	if err := json.Unmarshal([]byte(entry.ReportJSON), &report); err != nil {
		s.writeError(w, http.StatusInternalServerError, "stored report is unreadable")
		return
	}
	s.writeJSON(w, http.StatusOK, &report)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	groupID := pathID(r)

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.db.Logs.ListByGroup(r.Context(), groupID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sync logs")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type slaveMappings struct {
	AccountID int64           `json:"account_id"`
	Subdomain string          `json:"subdomain"`
	Mappings  map[int64]int64 `json:"mappings"`
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	groupID := pathID(r)
	kind := mux.Vars(r)["kind"]

	group, err := s.db.Groups.Get(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "sync group not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load sync group")
		return
	}

	accounts, err := s.db.Accounts.ListByGroup(r.Context(), groupID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	out := []slaveMappings{}
	for _, acc := range accounts {
		if acc.ID == group.MasterAccountID || acc.IsMaster {
			continue
		}
		mappings, err := s.db.Mappings.All(r.Context(), kind, groupID, acc.ID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out = append(out, slaveMappings{AccountID: acc.ID, Subdomain: acc.Subdomain, Mappings: mappings})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"kind":     kind,
		"slaves":   out,
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.db.Groups.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sync groups")
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

type createGroupRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	MasterAccountID int64  `json:"master_account_id"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.MasterAccountID == 0 {
		s.writeError(w, http.StatusBadRequest, "name and master_account_id are required")
		return
	}

	master, err := s.db.Accounts.Get(r.Context(), req.MasterAccountID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "master account not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load master account")
		return
	}

	group := &database.SyncGroup{
		Name:            req.Name,
		Description:     req.Description,
		MasterAccountID: master.ID,
		IsActive:        true,
	}
	if err := s.db.Groups.Create(r.Context(), group); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create sync group")
		return
	}

	master.SyncGroupID = group.ID
	master.Role = database.RoleMaster
	master.IsMaster = true
	if err := s.db.Accounts.Update(r.Context(), master); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to attach master account")
		return
	}

	s.writeJSON(w, http.StatusCreated, group)
}

// accountView is the outward shape of an account. Tokens never leave the
// process.
type accountView struct {
	ID          int64     `json:"id"`
	Subdomain   string    `json:"subdomain"`
	Role        string    `json:"role"`
	SyncGroupID int64     `json:"sync_group_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewAccount(a *database.Account) accountView {
	return accountView{
		ID:          a.ID,
		Subdomain:   a.Subdomain,
		Role:        a.Role,
		SyncGroupID: a.SyncGroupID,
		CreatedAt:   a.CreatedAt,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.db.Accounts.ListAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewAccount(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createAccountRequest struct {
	Subdomain    string `json:"subdomain"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Role         string `json:"role"`
	SyncGroupID  int64  `json:"sync_group_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subdomain == "" || req.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "subdomain and access_token are required")
		return
	}
	role := req.Role
	if role == "" {
		role = database.RoleSlave
	}
	if role != database.RoleMaster && role != database.RoleSlave {
		s.writeError(w, http.StatusBadRequest, "role must be master or slave")
		return
	}

	account := &database.Account{
		Subdomain:    req.Subdomain,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Role:         role,
		IsMaster:     role == database.RoleMaster,
		SyncGroupID:  req.SyncGroupID,
	}
	if err := s.db.Accounts.Create(r.Context(), account); err != nil {
		s.writeError(w, http.StatusConflict, "failed to create account")
		return
	}
	s.writeJSON(w, http.StatusCreated, viewAccount(account))
}

// handleTestAccount checks the stored credentials against the provider.
func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.db.Accounts.Get(r.Context(), pathID(r))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	remote := s.newRemote(account.Subdomain, account.AccessToken)
	info, err := remote.Account(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Str("subdomain", account.Subdomain).Msg("account connectivity check failed")
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"account_id": account.ID,
			"connected":  false,
			"error":      err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": account.ID,
		"connected":  true,
		"name":       info.Name,
		"currency":   info.Currency,
	})
}
