package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"delivery-guard/internal/report"
	"delivery-guard/internal/service"
	"delivery-guard/internal/util"
)

// AdminHandler serves QR issuance and the delivery report.
type AdminHandler struct {
	qrs      *service.QRService
	exporter *report.Exporter
	logger   *zap.Logger
}

func NewAdminHandler(qrs *service.QRService, exporter *report.Exporter, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{qrs: qrs, exporter: exporter, logger: logger}
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Post("/delivery-qr", h.IssueQR)
		r.Get("/delivery-report", h.ExportReport)
	})
}

type issueQRBody struct {
	OrderID       string `json:"order_id"`
	WarehouseID   string `json:"warehouse_id"`
	BatchID       string `json:"batch_id"`
	TransporterID string `json:"transporter_id"`
	TTLMinutes    int    `json:"ttl_minutes"`
}

func (h *AdminHandler) IssueQR(w http.ResponseWriter, r *http.Request) {
	admin, ok := adminFromContext(r.Context())
	if !ok {
		respondWithStatus(h.logger, w, http.StatusUnauthorized, "Autenticación requerida")
		return
	}

	var body issueQRBody
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := decodeJSON(r, &body); err != nil {
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Cuerpo de la solicitud inválido")
		return
	}

	result, err := h.qrs.Issue(r.Context(), service.IssueQRRequest{
		OrderID:       body.OrderID,
		WarehouseID:   body.WarehouseID,
		BatchID:       body.BatchID,
		TransporterID: body.TransporterID,
		TTL:           time.Duration(body.TTLMinutes) * time.Minute,
		AdminID:       admin.Subject,
		Request:       requestContext(r, clientInfo{}),
	})
	if err != nil {
		respondWithError(h.logger, w, err, "No fue posible emitir el QR")
		return
	}
	respondWithJSON(h.logger, w, http.StatusCreated, successResponse(result, "QR emitido"))
}

// ExportReport accepts from/to as RFC 3339 timestamps or plain dates.
func (h *AdminHandler) ExportReport(w http.ResponseWriter, r *http.Request) {
	admin, ok := adminFromContext(r.Context())
	if !ok {
		respondWithStatus(h.logger, w, http.StatusUnauthorized, "Autenticación requerida")
		return
	}

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Parámetro from inválido")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		respondWithStatus(h.logger, w, http.StatusBadRequest, "Parámetro to inválido")
		return
	}

	export, err := h.exporter.Export(r.Context(), report.ExportRequest{
		From:    from,
		To:      to,
		AdminID: admin.Subject,
		Request: requestContext(r, clientInfo{}),
	})
	if err != nil {
		respondWithError(h.logger, w, err, "No fue posible generar el reporte")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(export.Content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(export.Content); err != nil {
		h.logger.Warn("Failed to write report", util.ErrorField(err))
	}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
