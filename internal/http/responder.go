package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/geofence"
	"github.com/example/attendance-verifier/internal/logging"
)

var (
	errBadRequestBody = errors.New("無効なリクエスト形式です。")
	errMissingEventID = errors.New("イベント ID を指定してください。")
	errMissingPayload = errors.New("スキャン内容を指定してください。")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: defaultLogger(logger)}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" && status < http.StatusInternalServerError {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message, RequestID: requestID(ctx)})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	kind := attendance.ErrorKind(err)
	switch {
	case errors.Is(err, attendance.ErrPermissionDenied):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{
			ErrorCode: kind,
			Message:   "バックグラウンドでの位置情報の利用が許可されていません。",
			RequestID: requestID(ctx),
		})
	case errors.Is(err, attendance.ErrNoActiveBinding):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: kind,
			Message:   "監視中のイベントがありません。",
			RequestID: requestID(ctx),
		})
	case errors.Is(err, attendance.ErrSessionClosed):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: kind,
			Message:   "スキャンセッションが開始されていません。",
			RequestID: requestID(ctx),
		})
	case errors.Is(err, attendance.ErrPinExpired):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: kind,
			Message:   "PIN の有効期限が切れています。",
			RequestID: requestID(ctx),
		})
	case errors.Is(err, attendance.ErrInvalidToken):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: kind,
			Message:   "トークンを発行できません。",
			RequestID: requestID(ctx),
		})
	case errors.Is(err, geofence.ErrUnknownTask):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "指定されたタスクは登録されていません。", RequestID: requestID(ctx)})
	default:
		var vErr *attendance.ValidationError
		if errors.As(err, &vErr) {
			r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
				Message:   "入力内容に誤りがあります。",
				Errors:    vErr.FieldErrors,
				RequestID: requestID(ctx),
			})
			return
		}

		r.loggerFor(ctx).ErrorContext(ctx, "unexpected service error", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "サーバー内部でエラーが発生しました。", RequestID: requestID(ctx)})
	}
}

func (r responder) decode(ctx context.Context, w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		r.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
		return false
	}
	return true
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func requestID(ctx context.Context) string {
	id, _ := RequestIDFromContext(ctx)
	return id
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "リクエスト内容が正しくありません。"
	case http.StatusNotFound:
		return "指定されたリソースが見つかりません。"
	case http.StatusMethodNotAllowed:
		return "このメソッドは許可されていません。"
	case http.StatusConflict:
		return "要求はリソースの現在の状態と競合しています。"
	case http.StatusUnprocessableEntity:
		return "入力内容に誤りがあります。"
	default:
		return "サーバー内部でエラーが発生しました。"
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}
