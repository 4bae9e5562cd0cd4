package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"warmline/internal/instance"
	"warmline/internal/queue"
)

type addInstanceRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

type pairingResponse struct {
	ID string `json:"id"`
	QR string `json:"qr,omitempty"`
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request) {
	var req addInstanceRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start := time.Now()
	p, err := s.d.Instances.AddInstance(r.Context(), strings.TrimSpace(req.ID))
	s.audit(r, "instance.add", req.ID, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "instance added; scan the QR to pair", pairingResponse{ID: req.ID, QR: p.QR})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	ok(w, "", s.d.Instances.Snapshot())
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, found := s.d.Instances.Get(id)
	if !found {
		s.fail(w, r, instance.ErrNotFound)
		return
	}
	ok(w, "", in)
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	err := s.d.Instances.DeleteInstance(r.Context(), id)
	s.audit(r, "instance.delete", id, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "instance deleted", nil)
}

func (s *Server) enableInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	err := s.d.Instances.Enable(r.Context(), id)
	s.audit(r, "instance.enable", id, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "instance enabled", nil)
}

func (s *Server) disableInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	err := s.d.Instances.Disable(r.Context(), id)
	s.audit(r, "instance.disable", id, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "instance disabled", nil)
}

func (s *Server) connectInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refresh := r.URL.Query().Get("refresh") == "true"
	start := time.Now()
	p, err := s.d.Instances.Connect(r.Context(), id, refresh)
	s.audit(r, "instance.connect", id, start, err, map[string]any{"refresh": refresh})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "connecting", pairingResponse{ID: id, QR: p.QR})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start := time.Now()
	res, err := s.d.Queue.Enqueue(r.Context(), req)
	s.audit(r, "queue.enqueue", "", start, err, res)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "messages queued"
	if res.BlockedCount > 0 || res.DuplicateCount > 0 || res.InvalidCount > 0 {
		msg = "messages partially queued"
	}
	ok(w, msg, res)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Queue.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "", list)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := s.d.Queue.Clear(r.Context())
	s.audit(r, "queue.clear", "", start, err, map[string]int{"deleted": n})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "queue cleared", map[string]int{"deleted": n})
}

func (s *Server) queueState(w http.ResponseWriter, r *http.Request) {
	ok(w, "", s.d.Queue.State())
}

func (s *Server) startQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.d.Queue.Start(r.Context())
	s.audit(r, "queue.start", "", start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "queue started", s.d.Queue.State())
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	was := s.d.Queue.Stop()
	s.audit(r, "queue.stop", "", start, nil, map[string]bool{"wasSending": was})
	msg := "queue stopped"
	if !was {
		msg = "queue was not sending"
	}
	ok(w, msg, s.d.Queue.State())
}

func (s *Server) resetQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := s.d.Queue.ResetExhausted(r.Context())
	s.audit(r, "queue.reset", "", start, err, map[string]int{"reset": n})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "exhausted messages reset", map[string]int{"reset": n})
}

func (s *Server) removeQueued(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()
	err := s.d.Queue.Remove(r.Context(), id)
	s.audit(r, "queue.remove", id, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "message removed", nil)
}

type warmUpResponse struct {
	IsWarming     bool       `json:"isWarming"`
	NextWarmAt    *time.Time `json:"nextWarmAt"`
	Conversations any        `json:"conversations"`
}

func (s *Server) warmUpResponse() warmUpResponse {
	sc := s.d.WarmUp.Schedule()
	return warmUpResponse{IsWarming: sc.IsWarming, NextWarmAt: sc.NextWarmAt, Conversations: s.d.WarmUp.Active()}
}

func (s *Server) warmUpState(w http.ResponseWriter, r *http.Request) {
	ok(w, "", s.warmUpResponse())
}

func (s *Server) enableWarmUp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := s.d.WarmUp.Enable()
	s.audit(r, "warmup.enable", "", start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "warm-up enabled", s.warmUpResponse())
}

func (s *Server) disableWarmUp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.d.WarmUp.Disable()
	s.audit(r, "warmup.disable", "", start, nil, nil)
	ok(w, "warm-up disabled", s.warmUpResponse())
}

type suppressionRequest struct {
	Phone  string `json:"phone" validate:"required"`
	Reason string `json:"reason" validate:"max=200"`
}

func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	phone := queue.NormalizePhone(req.Phone)
	if phone == "" {
		s.fail(w, r, invalid("phone has no digits"))
		return
	}
	start := time.Now()
	err := s.d.Suppression.AddSuppression(r.Context(), phone, req.Reason)
	s.audit(r, "suppression.add", phone, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "number suppressed", map[string]string{"phone": phone})
}

func (s *Server) removeSuppression(w http.ResponseWriter, r *http.Request) {
	phone := queue.NormalizePhone(chi.URLParam(r, "phone"))
	start := time.Now()
	err := s.d.Suppression.RemoveSuppression(r.Context(), phone)
	s.audit(r, "suppression.remove", phone, start, err, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, "number unsuppressed", nil)
}
