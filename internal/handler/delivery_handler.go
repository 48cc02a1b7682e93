package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"delivery-guard/internal/claims"
	"delivery-guard/internal/models"
	"delivery-guard/internal/service"
	"delivery-guard/internal/util"
)

const (
	maxJSONBody     = 64 << 10
	maxMultipartMem = 32 << 20
	// evidence files, the guide photo and the text fields
	maxDefectBody = (claims.MaxEvidenceFiles+1)*claims.MaxFileSize + 1<<20
)

const msgInternal = "Error interno del servidor"

var errFileTooLarge = errors.New("file too large")

// DeliveryHandler serves the recipient-facing QR validation flow.
type DeliveryHandler struct {
	otp           *service.OTPService
	confirmations *service.ConfirmationService
	logger        *zap.Logger
}

func NewDeliveryHandler(otp *service.OTPService, confirmations *service.ConfirmationService, logger *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{
		otp:           otp,
		confirmations: confirmations,
		logger:        logger,
	}
}

func (h *DeliveryHandler) RegisterRoutes(router chi.Router) {
	router.Route("/delivery", func(r chi.Router) {
		r.Post("/otp/request", h.RequestOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/session/order", h.SessionOrder)
		r.Post("/confirm", h.Confirm)
		r.Post("/reject", h.Reject)
		r.Post("/confirm-defect", h.ConfirmWithDefect)
	})
}

type clientInfo struct {
	Device      string   `json:"device,omitempty"`
	GeoLat      *float64 `json:"geo_lat,omitempty"`
	GeoLng      *float64 `json:"geo_lng,omitempty"`
	GeoAccuracy *float64 `json:"geo_accuracy,omitempty"`
}

type otpRequestBody struct {
	Token       string `json:"token"`
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	clientInfo
}

type otpVerifyBody struct {
	Token       string `json:"token"`
	ChallengeID string `json:"challenge_id"`
	OTPCode     string `json:"otp_code"`
	clientInfo
}

type sessionBody struct {
	Token        string `json:"token"`
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	clientInfo
}

type rejectBody struct {
	sessionBody
	Reason string `json:"reason"`
}

func (h *DeliveryHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var body otpRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.otp.RequestOTP(r.Context(), service.OTPRequest{
		Token:       body.Token,
		Channel:     body.Channel,
		Destination: body.Destination,
		Request:     requestContext(r, body.clientInfo),
	})
	if err != nil {
		respondWithError(h.logger, w, err, "No fue posible solicitar el código")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, "Código enviado"))
}

func (h *DeliveryHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body otpVerifyBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.otp.VerifyOTP(r.Context(), service.OTPVerifyRequest{
		Token:       body.Token,
		ChallengeID: body.ChallengeID,
		Code:        body.OTPCode,
		Request:     requestContext(r, body.clientInfo),
	})
	if err != nil {
		respondWithError(h.logger, w, err, "No fue posible verificar el código")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, "Código verificado"))
}

func (h *DeliveryHandler) SessionOrder(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if !h.decode(w, r, &body) {
		return
	}

	view, err := h.confirmations.SessionOrder(r.Context(), body.credentials(r))
	if err != nil {
		respondWithError(h.logger, w, err, msgInternal)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(view, ""))
}

func (h *DeliveryHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.confirmations.Confirm(r.Context(), body.credentials(r))
	if err != nil {
		respondWithError(h.logger, w, err, msgInternal)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, "Entrega confirmada"))
}

func (h *DeliveryHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.confirmations.Reject(r.Context(), service.RejectRequest{
		SessionCredentials: body.credentials(r),
		Reason:             body.Reason,
	})
	if err != nil {
		respondWithError(h.logger, w, err, msgInternal)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, "Entrega rechazada"))
}

// ConfirmWithDefect takes a multipart form: the session fields, the claim
// fields, up to ten "evidence" files and one "guide" photo.
func (h *DeliveryHandler) ConfirmWithDefect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDefectBody)
	if err := r.ParseMultipartForm(maxMultipartMem); err != nil {
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Formulario inválido")
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := r.MultipartForm
	quantity := 0
	if raw := formValue(form, "defective_quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondWithStatus(h.logger, w, http.StatusBadRequest, "defective_quantity debe ser numérico")
			return
		}
		quantity = n
	}

	if len(form.File["evidence"]) > claims.MaxEvidenceFiles {
		respondWithStatus(h.logger, w, http.StatusBadRequest, fmt.Sprintf("Se permiten máximo %d archivos de evidencia", claims.MaxEvidenceFiles))
		return
	}
	evidence, err := readFiles(form.File["evidence"])
	if err != nil {
		h.respondFileError(w, err)
		return
	}
	var guide *claims.File
	if headers := form.File["guide"]; len(headers) > 0 {
		files, err := readFiles(headers[:1])
		if err != nil {
			h.respondFileError(w, err)
			return
		}
		guide = &files[0]
	}

	session := sessionBody{
		Token:        formValue(form, "token"),
		SessionID:    formValue(form, "session_id"),
		SessionToken: formValue(form, "session_token"),
		clientInfo:   clientInfo{Device: formValue(form, "device")},
	}

	result, err := h.confirmations.ConfirmWithDefect(r.Context(), service.DefectRequest{
		SessionCredentials: session.credentials(r),
		Claim: claims.Request{
			InvoiceNumber:     formValue(form, "invoice_number"),
			ProductReference:  formValue(form, "product_reference"),
			DefectiveQuantity: quantity,
			Description:       formValue(form, "description"),
			ClaimantName:      formValue(form, "claimant_name"),
			ClaimantContact:   formValue(form, "claimant_contact"),
			Evidence:          evidence,
			Guide:             guide,
		},
	})
	if err != nil {
		respondWithError(h.logger, w, err, msgInternal)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, "Entrega confirmada con incidente"))
}

func (h *DeliveryHandler) respondFileError(w http.ResponseWriter, err error) {
	if errors.Is(err, errFileTooLarge) {
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Cada archivo debe pesar máximo 10MB")
		return
	}
	h.logger.Warn("Failed to read uploaded file", util.ErrorField(err))
	respondWithStatus(h.logger, w, http.StatusBadRequest, "No fue posible leer los archivos adjuntos")
}

func (h *DeliveryHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := decodeJSON(r, dst); err != nil {
		h.logger.Debug("Invalid request body", util.ErrorField(err), util.String("path", r.URL.Path))
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Cuerpo de la solicitud inválido")
		return false
	}
	return true
}

func (b sessionBody) credentials(r *http.Request) service.SessionCredentials {
	return service.SessionCredentials{
		Token:        b.Token,
		SessionID:    b.SessionID,
		SessionToken: b.SessionToken,
		Request:      requestContext(r, b.clientInfo),
	}
}

// requestContext captures provenance. RemoteAddr has already been replaced
// by middleware.RealIP.
func requestContext(r *http.Request, info clientInfo) models.RequestContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return models.RequestContext{
		RequestID: middleware.GetReqID(r.Context()),
		IP:        ip,
		UserAgent: r.UserAgent(),
		Device:    util.CleanText(info.Device),
		Geo: models.GeoPoint{
			Lat:      info.GeoLat,
			Lng:      info.GeoLng,
			Accuracy: info.GeoAccuracy,
		},
	}
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func readFiles(headers []*multipart.FileHeader) ([]claims.File, error) {
	files := make([]claims.File, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > claims.MaxFileSize {
			return nil, fmt.Errorf("%w: %s", errFileTooLarge, fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		files = append(files, claims.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}
	return files, nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
