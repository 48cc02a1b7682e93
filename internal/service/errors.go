package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Error kinds. Handlers map them to HTTP statuses with errors.Is.
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrGone            = errors.New("gone")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooManyRequests = errors.New("too many requests")
	ErrValidation      = errors.New("validation error")
	ErrFatal           = errors.New("fatal")
)

// Localized messages shown to recipients.
const (
	MsgInvalidQR          = "QR inválido"
	MsgAlreadyProcessed   = "Esta entrega ya fue procesada"
	MsgQRExpired          = "El código QR ha expirado"
	MsgOTPAlreadyUsed     = "El OTP ya fue utilizado"
	MsgOTPLocked          = "Se superó el número máximo de intentos para este OTP"
	MsgOTPExpired         = "El OTP ha expirado, solicita uno nuevo"
	MsgOTPIncorrect       = "Código OTP incorrecto"
	MsgOTPSendFailed      = "No fue posible enviar el código de verificación"
	MsgOrderUnavailable   = "No fue posible cargar la información del pedido"
	MsgInvalidSession     = "Sesión de validación inválida"
	MsgSessionUsed        = "La sesión de validación ya fue utilizada"
	MsgSessionExpired     = "La sesión de validación expiró"
	MsgConcurrentUpdate   = "La solicitud no pudo completarse por una operación simultánea"
	MsgClaimActorMissing  = "No hay un usuario del sistema para registrar el reclamo"
	MsgClaimCreateFailed  = "No fue posible registrar el reclamo"
	MsgRateLimitedMinutes = "Demasiadas solicitudes de código. Intenta nuevamente en %d minutos"
)

// DeliveryError carries a kind, a user-facing message and, for rate limits,
// how long the caller should wait.
type DeliveryError struct {
	Kind       error
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, message string) *DeliveryError {
	return &DeliveryError{Kind: kind, Message: message}
}

func wrapError(kind error, message string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Message: message, Err: err}
}

func validationError(message string) *DeliveryError {
	return newError(ErrValidation, message)
}

func rateLimitError(retryAfter time.Duration) *DeliveryError {
	minutes := int(math.Ceil(retryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return &DeliveryError{
		Kind:       ErrTooManyRequests,
		Message:    fmt.Sprintf(MsgRateLimitedMinutes, minutes),
		RetryAfter: retryAfter,
	}
}

// UserMessage returns the localized message for err, or fallback when err
// does not carry one.
func UserMessage(err error, fallback string) string {
	var de *DeliveryError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return fallback
}

// RetryAfter reports the wait window carried by a rate-limit error.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
