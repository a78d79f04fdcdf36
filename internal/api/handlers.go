package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/sessionrelay/internal/queue"
	"github.com/codefionn/sessionrelay/internal/session"
)

type sendPDFRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	PDFBase64 string `json:"pdfBase64"`
	FileName  string `json:"fileName"`
	Caption   string `json:"caption"`
}

type sessionResponse struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	QR        string         `json:"qr"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func qrState(available bool) string {
	if available {
		return "available"
	}
	return "not_available"
}

// readBody reads at most MaxBodyBytes; an empty body is returned as nil
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return nil, http.StatusBadRequest, errors.New("failed to read request body")
	}
	return body, http.StatusOK, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"time":     time.Now().UTC(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.sessions.ListStatuses()),
		"queued":   s.queue.Len(),
	})
}

func (s *Server) handleSendPDF(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, status, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, status, resultResponse{Message: err.Error()})
		return
	}
	if len(body) == 0 || validateBody(s.schemas.sendPDF, body) != nil {
		writeJSON(w, http.StatusBadRequest, resultResponse{Message: "Missing required parameters: sessionId, to, pdfBase64."})
		return
	}

	var req sendPDFRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, resultResponse{Message: "invalid JSON body"})
		return
	}

	task, err := queue.NewTask(req.SessionID, req.To, req.PDFBase64, req.FileName, req.Caption)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, resultResponse{Message: err.Error()})
		return
	}
	task, err = s.queue.Enqueue(task)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, resultResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, resultResponse{
		Success: true,
		Message: "PDF queued for delivery.",
		TaskID:  task.ID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	infos := s.sessions.ListStatuses()
	out := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionResponse{
			SessionID: info.SessionID,
			Status:    info.Status,
			QR:        qrState(info.QRAvailable),
			UpdatedAt: info.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("sessionId")

	body, status, err := s.readBody(w, r)
	if err != nil {
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if len(body) > 0 {
		if err := validateBody(s.schemas.startSession, body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
	}

	_, existed := s.sessions.Get(id)
	sess, err := s.sessions.Start(r.Context(), id, req.Description)
	if err != nil {
		var transportErr *session.TransportConstructionError
		switch {
		case errors.Is(err, session.ErrInvalidSessionID):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case errors.Is(err, session.ErrShutdown):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		case errors.As(err, &transportErr):
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	info := sess.Info()
	writeJSON(w, code, sessionResponse{
		SessionID: info.SessionID,
		Status:    info.Status,
		QR:        qrState(info.QRAvailable),
		UpdatedAt: info.UpdatedAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("sessionId")

	if err := s.sessions.Logout(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, resultResponse{Message: "Session not found or already disconnected."})
			return
		}
		s.log.Error("logout of session %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, resultResponse{Message: "Failed to log out session."})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true, Message: "Session " + id + " logged out."})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dead := s.queue.DeadLetters()
	if dead == nil {
		dead = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.queue.Remove(ps.ByName("taskId")) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
