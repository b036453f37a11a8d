package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/access"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/auth"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/dispatch"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/factory"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/guard"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/httpx"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/manifest"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/orchestrator"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/routes"
	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// actor resolves the governance identity for the request: the authenticated
// subject, or the X-Actor header when auth is off.
func (s *Server) actor(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" && principal.Subject != "anonymous" {
		return principal.Subject
	}
	if v := strings.TrimSpace(r.Header.Get("X-Actor")); v != "" {
		return v
	}
	return "anonymous"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.Error(w, 400, "invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps package errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var delayErr *manifest.ActivationDelayError
	if errors.As(err, &delayErr) {
		httpx.WriteJSON(w, 409, map[string]any{
			"error":    "activation delayed",
			"ready_at": delayErr.ReadyAt.UTC().Format(time.RFC3339Nano),
		})
		return
	}
	var handlerErr *dispatch.HandlerError
	if errors.As(err, &handlerErr) && !errors.Is(err, guard.ErrReentrant) {
		httpx.Error(w, 502, handlerErr.Error())
		return
	}
	switch {
	case errors.Is(err, access.ErrForbidden):
		httpx.Error(w, 403, err.Error())
	case errors.Is(err, access.ErrFrozen):
		httpx.Error(w, 423, err.Error())
	case errors.Is(err, access.ErrPaused):
		httpx.Error(w, 503, err.Error())
	case errors.Is(err, dispatch.ErrNoRoute),
		errors.Is(err, orchestrator.ErrPlanNotFound),
		errors.Is(err, factory.ErrUnknownHandler),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, pgx.ErrNoRows):
		httpx.Error(w, 404, err.Error())
	case errors.Is(err, manifest.ErrPendingExists),
		errors.Is(err, manifest.ErrEpochMismatch),
		errors.Is(err, manifest.ErrNoPending),
		errors.Is(err, guard.ErrReentrant),
		errors.Is(err, orchestrator.ErrPlanExists),
		errors.Is(err, orchestrator.ErrPlanCompleted),
		errors.Is(err, manifest.ErrFingerprintMismatch),
		errors.Is(err, manifest.ErrVersionMismatch),
		errors.Is(err, dispatch.ErrFingerprintMismatch):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, manifest.ErrPayloadTooLarge),
		errors.Is(err, factory.ErrContentTooLarge),
		errors.Is(err, dispatch.ErrResultTooLarge):
		httpx.Error(w, 413, err.Error())
	case errors.Is(err, orchestrator.ErrBudgetExceeded):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, manifest.ErrZeroRoot),
		errors.Is(err, manifest.ErrNoEntries),
		errors.Is(err, manifest.ErrInvalidProof),
		errors.Is(err, manifest.ErrHashMismatch),
		errors.Is(err, manifest.ErrMalformedPayload),
		errors.Is(err, manifest.ErrZeroSelector),
		errors.Is(err, manifest.ErrSelectorCollision),
		errors.Is(err, routes.ErrZeroHandler),
		errors.Is(err, routes.ErrSelfHandler),
		errors.Is(err, factory.ErrEmptyContent),
		errors.Is(err, orchestrator.ErrZeroBudget),
		errors.Is(err, access.ErrUnknownRole):
		httpx.Error(w, 422, err.Error())
	default:
		httpx.Error(w, 500, err.Error())
	}
}

func routeJSON(sel routes.Selector, r routes.Route) map[string]string {
	return map[string]string{
		"selector": sel.String(),
		"handler":  r.Handler.String(),
		"codehash": routes.HashHex(r.Codehash),
	}
}

// --- manifest ---

func (s *Server) handleManifestInfo(w http.ResponseWriter, r *http.Request) {
	info := s.Lifecycle.Info()
	out := map[string]any{
		"hash":           routes.HashHex(info.Hash),
		"epoch":          info.Epoch,
		"version":        info.Version,
		"timestamp":      info.Timestamp.UTC().Format(time.RFC3339Nano),
		"selector_count": info.SelectorCount,
	}
	if pending, ok := s.Lifecycle.PendingInfo(); ok {
		out["pending"] = map[string]any{
			"root":         routes.HashHex(pending.Root),
			"epoch":        pending.Epoch,
			"committed_at": pending.CommittedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	httpx.WriteJSON(w, 200, out)
}

func (s *Server) handleManifestCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Root  string `json:"root"`
		Epoch uint64 `json:"epoch"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	root, err := routes.ParseHash(req.Root)
	if err != nil {
		httpx.Error(w, 422, "root: "+err.Error())
		return
	}
	if err := s.Lifecycle.Commit(r.Context(), s.actor(r), root, req.Epoch); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("commit")
	httpx.WriteJSON(w, 200, map[string]any{"root": req.Root, "epoch": req.Epoch})
}

type proofEntryJSON struct {
	Selector  string   `json:"selector"`
	Handler   string   `json:"handler"`
	Codehash  string   `json:"codehash"`
	Proof     []string `json:"proof"`
	Positions uint64   `json:"positions"`
}

func decodeEntries(raw []proofEntryJSON) ([]manifest.Entry, error) {
	entries := make([]manifest.Entry, 0, len(raw))
	for _, e := range raw {
		sel, err := routes.ParseSelector(e.Selector)
		if err != nil {
			return nil, err
		}
		handler, err := routes.ParseHandlerRef(e.Handler)
		if err != nil {
			return nil, err
		}
		codehash, err := routes.ParseHash(e.Codehash)
		if err != nil {
			return nil, err
		}
		proof := make([][32]byte, 0, len(e.Proof))
		for _, p := range e.Proof {
			node, err := routes.ParseHash(p)
			if err != nil {
				return nil, err
			}
			proof = append(proof, node)
		}
		entries = append(entries, manifest.Entry{
			Selector:  sel,
			Handler:   handler,
			Codehash:  codehash,
			Proof:     proof,
			Positions: e.Positions,
		})
	}
	return entries, nil
}

func (s *Server) handleManifestApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []proofEntryJSON `json:"entries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	entries, err := decodeEntries(req.Entries)
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	if err := s.Lifecycle.Apply(r.Context(), s.actor(r), entries); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("apply")
	httpx.WriteJSON(w, 200, map[string]any{"applied": len(entries)})
}

func (s *Server) handleManifestActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.Activate(r.Context(), s.actor(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("activate")
	info := s.Lifecycle.Info()
	httpx.WriteJSON(w, 200, map[string]any{
		"epoch": info.Epoch,
		"hash":  routes.HashHex(info.Hash),
	})
}

func (s *Server) handleManifestBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayloadHash string  `json:"payload_hash"`
		PayloadB64  string  `json:"payload_b64"`
		ExpectedVer *uint64 `json:"expected_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	claimed, err := routes.ParseHash(req.PayloadHash)
	if err != nil {
		httpx.Error(w, 422, "payload_hash: "+err.Error())
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		httpx.Error(w, 422, "payload_b64: invalid base64")
		return
	}
	if err := s.Lifecycle.UpdateBatch(r.Context(), s.actor(r), claimed, raw, req.ExpectedVer); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("batch_update")
	httpx.WriteJSON(w, 200, map[string]any{"version": s.Lifecycle.Info().Version})
}

// --- routes ---

func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	snapshot := s.Table.Snapshot()
	out := make([]map[string]string, 0, len(snapshot))
	for sel, route := range snapshot {
		out = append(out, routeJSON(sel, route))
	}
	httpx.WriteJSON(w, 200, map[string]any{"count": len(out), "routes": out})
}

func (s *Server) handleRouteGet(w http.ResponseWriter, r *http.Request) {
	sel, err := routes.ParseSelector(chi.URLParam(r, "selector"))
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	route, ok := s.Lifecycle.Route(sel)
	if !ok {
		httpx.Error(w, 404, "no route for selector")
		return
	}
	httpx.WriteJSON(w, 200, routeJSON(sel, route))
}

func (s *Server) handleRoutesRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selectors []string `json:"selectors"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sels := make([]routes.Selector, 0, len(req.Selectors))
	for _, raw := range req.Selectors {
		sel, err := routes.ParseSelector(raw)
		if err != nil {
			httpx.Error(w, 422, err.Error())
			return
		}
		sels = append(sels, sel)
	}
	if err := s.Lifecycle.RemoveRoutes(r.Context(), s.actor(r), sels); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("routes_remove")
	httpx.WriteJSON(w, 200, map[string]any{"removed": len(sels)})
}

// --- governance ---

func (s *Server) handleGovernanceView(w http.ResponseWriter, r *http.Request) {
	roles := map[string][]string{}
	for _, role := range []access.Role{access.RoleAdmin, access.RoleCommit, access.RoleApply, access.RoleEmergency} {
		roles[string(role)] = s.Governor.Members(role)
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"paused":               s.Governor.Paused(),
		"frozen":               s.Governor.Frozen(),
		"activation_delay_sec": int(s.Lifecycle.ActivationDelay() / time.Second),
		"roles":                roles,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.Governor.Pause(s.actor(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("pause")
	httpx.WriteJSON(w, 200, map[string]any{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.Governor.Unpause(s.actor(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("unpause")
	httpx.WriteJSON(w, 200, map[string]any{"paused": false})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.Freeze(r.Context(), s.actor(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("freeze")
	httpx.WriteJSON(w, 200, map[string]any{"frozen": true})
}

func (s *Server) handleSetDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelaySec int64 `json:"delay_sec"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	d := time.Duration(req.DelaySec) * time.Second
	if err := s.Lifecycle.SetActivationDelay(r.Context(), s.actor(r), d); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance("delay_set")
	httpx.WriteJSON(w, 200, map[string]any{"activation_delay_sec": req.DelaySec})
}

func (s *Server) handleRoleGrant(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.Governor.Grant, "role_grant")
}

func (s *Server) handleRoleRevoke(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.Governor.Revoke, "role_revoke")
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, mutate func(actor, target string, role access.Role) error, action string) {
	var req struct {
		Target string `json:"target"`
		Role   string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		httpx.Error(w, 422, "target required")
		return
	}
	role := access.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if err := mutate(s.actor(r), req.Target, role); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Metrics.IncGovernance(action)
	httpx.WriteJSON(w, 200, map[string]any{"target": req.Target, "role": string(role)})
}

// --- dispatch ---

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	sel, err := routes.ParseSelector(chi.URLParam(r, "selector"))
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		key := "dispatch:" + s.actor(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	payload, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	result, err := s.Engine.Dispatch(r.Context(), sel, payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"selector":   sel.String(),
		"result_b64": base64.StdEncoding.EncodeToString(result),
	})
}

// --- factory ---

func (s *Server) handleFactoryStage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentB64 string `json:"content_b64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		httpx.Error(w, 422, "content_b64: invalid base64")
		return
	}
	ref, hash, err := s.Factory.Stage(r.Context(), content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"handler":      ref.String(),
		"content_hash": routes.HashHex(hash),
	})
}

func (s *Server) handleFactoryPredict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentB64 string `json:"content_b64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		httpx.Error(w, 422, "content_b64: invalid base64")
		return
	}
	if len(content) == 0 {
		writeDomainError(w, factory.ErrEmptyContent)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"handler": s.Factory.Predict(content).String()})
}

// --- plans ---

func planJSON(p orchestrator.Plan) map[string]any {
	staged := make([]string, 0, len(p.Staged))
	for _, ref := range p.Staged {
		staged = append(staged, ref.String())
	}
	out := map[string]any{
		"id":         p.ID,
		"initiator":  p.Initiator,
		"budget":     p.Budget,
		"spent":      p.Spent,
		"staged":     staged,
		"applied":    p.Applied,
		"activated":  p.Activated,
		"completed":  p.Completed,
		"success":    p.Success,
		"started_at": p.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.Completed {
		out["completed_at"] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) handlePlanStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Budget uint64 `json:"budget"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.Orchestrator.Start(req.ID, s.actor(r), req.Budget)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"id": id, "budget": req.Budget})
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Orchestrator.Plan(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, planJSON(plan))
}

func (s *Server) handlePlanStage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentsB64 []string `json:"contents_b64"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	contents := make([][]byte, 0, len(req.ContentsB64))
	for _, raw := range req.ContentsB64 {
		content, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			httpx.Error(w, 422, "contents_b64: invalid base64")
			return
		}
		contents = append(contents, content)
	}
	refs, err := s.Orchestrator.StageContent(r.Context(), chi.URLParam(r, "id"), contents)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	handlers := make([]string, 0, len(refs))
	for _, ref := range refs {
		handlers = append(handlers, ref.String())
	}
	httpx.WriteJSON(w, 200, map[string]any{"handlers": handlers})
}

func (s *Server) handlePlanApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []proofEntryJSON `json:"entries"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	entries, err := decodeEntries(req.Entries)
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return
	}
	if err := s.Orchestrator.ApplyManifest(r.Context(), chi.URLParam(r, "id"), entries); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"applied": len(entries)})
}

func (s *Server) handlePlanActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Activate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"epoch": s.Lifecycle.Info().Epoch})
}

func (s *Server) handlePlanComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Orchestrator.Complete(id, req.Success); err != nil {
		writeDomainError(w, err)
		return
	}
	plan, err := s.Orchestrator.Plan(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, planJSON(plan))
}

// --- audit ---

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	records, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "audit query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"count": len(records), "records": records})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "event_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, rec)
}
