package server

import (
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/bugyo/internal/pushnotification"
	"github.com/kazz187/bugyo/internal/pushsubscription"
	"github.com/kazz187/bugyo/pkg/cerr"
)

type pushSubscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

type vapidKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) handleVapidKey(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.env.VAPIDPublicKey == "" {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "VAPID keys not configured", nil)
		return
	}
	cerr.SetJSONResponse(ctx, vapidKeyResponse{PublicKey: s.env.VAPIDPublicKey})
}

func (s *Server) handleRegisterPush(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pushSubscriptionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	}
	if req.P256dhKey == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "p256dh_key is required", nil)
		return
	}
	if req.AuthKey == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "auth_key is required", nil)
		return
	}

	// Idempotent: an existing subscription for the endpoint is replaced.
	if existing, err := s.pushRepo.FindByEndpoint(ctx, req.Endpoint); err == nil && existing != nil {
		existing.P256dhKey = req.P256dhKey
		existing.AuthKey = req.AuthKey
		if err := s.pushRepo.Delete(ctx, existing.ID); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		if err := s.pushRepo.Create(ctx, existing); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		cerr.SetJSONResponse(ctx, okResponse)
		return
	}

	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
		CreatedAt: time.Now(),
	}
	if err := s.pushRepo.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleUnregisterPush(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req pushSubscriptionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	}
	if err := s.pushRepo.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, okResponse)
}

func (s *Server) handleTestPush(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.pushSender.SendToAll(ctx, &pushnotification.NotificationPayload{
		Title: "Bugyo Test",
		Body:  "Push notifications are working!",
	})
	cerr.SetJSONResponse(ctx, okResponse)
}
