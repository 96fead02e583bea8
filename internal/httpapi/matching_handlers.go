package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
)

type submitResponse struct {
	Outcome           matching.Outcome      `json:"outcome"`
	Request           matching.BloodRequest `json:"request"`
	Match             *matching.MatchRecord `json:"match,omitempty"`
	NotificationError string                `json:"notification_error,omitempty"`
}

func toSubmitResponse(out matching.MatchOutcome) submitResponse {
	resp := submitResponse{Outcome: out.Outcome, Request: out.Request, Match: out.Match}
	if out.NotificationError != nil {
		resp.NotificationError = out.NotificationError.Error()
	}
	return resp
}

func (a *API) registerUser(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var in matching.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.RegisterUser(r.Context(), in, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if id != actor.UserID && !actor.Is(matching.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "users may only read their own profile")
		return
	}
	u, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (a *API) setAvailability(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var req availabilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Available == nil {
		writeError(w, r, http.StatusBadRequest, "available is required")
		return
	}
	u, err := a.svc.SetAvailability(r.Context(), r.PathValue("id"), *req.Available, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) submitRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var in matching.SubmitInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.SubmitRequest(r.Context(), in, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResponse(out))
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	filter := matching.RequestFilter{
		RequesterID: strings.TrimSpace(r.URL.Query().Get("requester_id")),
		Status:      matching.RequestStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
	}
	if !actor.Is(matching.RoleAdmin) {
		filter.RequesterID = actor.UserID
	}
	list, err := a.svc.ListRequests(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(list)})
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	req, err := a.svc.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !canSeeRequest(actor, req) {
		// Hide existence from unrelated callers.
		writeError(w, r, http.StatusNotFound, matching.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func canSeeRequest(actor matching.Actor, req matching.BloodRequest) bool {
	if actor.Is(matching.RoleAdmin) || req.RequesterID == actor.UserID {
		return true
	}
	return req.MatchedDonorID != nil && *req.MatchedDonorID == actor.UserID
}

func (a *API) matchRequest(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.MatchRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmitResponse(out))
}

func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	req, err := a.svc.CancelRequest(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) claimRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	m, err := a.svc.ClaimMatch(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) confirmRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	d, err := a.svc.ConfirmDonation(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listMatches(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	filter := matching.MatchFilter{
		DonorID: strings.TrimSpace(r.URL.Query().Get("donor_id")),
		Status:  matching.MatchStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
	}
	if !actor.Is(matching.RoleAdmin) {
		filter.DonorID = actor.UserID
	}
	list, err := a.svc.ListMatches(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": nonNil(list)})
}

func (a *API) getMatch(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	m, err := a.svc.GetMatch(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if m.DonorID != actor.UserID && !actor.Is(matching.RoleAdmin) {
		writeError(w, r, http.StatusNotFound, matching.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) retryNotification(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	m, err := a.svc.RetryNotification(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		if isDeliveryFailure(err) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      err.Error(),
				"match":      m,
				"request_id": RequestIDFromContext(r.Context()),
			})
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// isDeliveryFailure separates a failed send from a rejected call.
func isDeliveryFailure(err error) bool {
	for _, target := range []error{matching.ErrValidation, matching.ErrNotFound, matching.ErrConflict, matching.ErrPermission} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func (a *API) listFailures(w http.ResponseWriter, r *http.Request) {
	if a.outbox == nil {
		writeError(w, r, http.StatusServiceUnavailable, "notification outbox disabled")
		return
	}
	list, err := a.outbox.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": nonNil(list)})
}

func (a *API) drainFailures(w http.ResponseWriter, r *http.Request) {
	if a.outbox == nil {
		writeError(w, r, http.StatusServiceUnavailable, "notification outbox disabled")
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	res, err := a.outbox.Drain(r.Context(), func(ctx context.Context, matchID string) error {
		_, err := a.svc.RetryNotification(ctx, matchID, actor)
		return err
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyDonation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	entry, err := a.svc.VerifyDonation(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) donationHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	donorID := actor.UserID
	if q := strings.TrimSpace(r.URL.Query().Get("donor_id")); q != "" && actor.Is(matching.RoleAdmin) {
		donorID = q
	}
	list, err := a.svc.DonationHistory(r.Context(), donorID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"donations": nonNil(list)})
}

func (a *API) listInventory(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListInventory(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": nonNil(list)})
}

func (a *API) getInventory(w http.ResponseWriter, r *http.Request) {
	bt, err := bloodtype.Parse(r.PathValue("type"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	entry, err := a.svc.GetInventory(r.Context(), bt)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
