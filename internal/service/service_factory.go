package service

import (
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/encryption"
	"delivery-guard/internal/hashing"
	"delivery-guard/internal/notification"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/security"
)

// Dependencies are the collaborators shared by the delivery services.
type Dependencies struct {
	Signer     *security.TokenSigner
	QRs        repository.QRTokenRepository
	Challenges repository.ChallengeRepository
	Sessions   repository.SessionRepository
	Limiter    repository.RateLimiter
	Hasher     *hashing.Hasher
	Encryption *encryption.Manager
	Sender     notification.OTPSender
	Orders     OrderViewBuilder
	Claims     ClaimsCreator
	Audit      *audit.Writer
	Policy     policy.Policy
	// TestMode echoes OTP codes back to the caller. Never enable against real traffic.
	TestMode bool
	Now      func() time.Time
}

// ServiceFactory builds every delivery service over one shared state so
// they agree on the clock and the QR lifecycle rules.
type ServiceFactory struct {
	sessions     *SessionManager
	qr           *QRService
	otp          *OTPService
	confirmation *ConfirmationService
}

func NewServiceFactory(deps Dependencies) *ServiceFactory {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	state := &deliveryState{
		signer: deps.Signer,
		qrs:    deps.QRs,
		audit:  deps.Audit,
		now:    deps.Now,
	}
	sessions := NewSessionManager(deps.Sessions, deps.Policy, deps.Now)

	return &ServiceFactory{
		sessions: sessions,
		qr: &QRService{
			state:  state,
			policy: deps.Policy,
		},
		otp: &OTPService{
			state:      state,
			challenges: deps.Challenges,
			limiter:    deps.Limiter,
			hasher:     deps.Hasher,
			encryption: deps.Encryption,
			sender:     deps.Sender,
			sessions:   sessions,
			orders:     deps.Orders,
			policy:     deps.Policy,
			testMode:   deps.TestMode,
		},
		confirmation: &ConfirmationService{
			state:    state,
			sessions: sessions,
			orders:   deps.Orders,
			claims:   deps.Claims,
		},
	}
}

func (f *ServiceFactory) QRService() *QRService {
	return f.qr
}

func (f *ServiceFactory) OTPService() *OTPService {
	return f.otp
}

func (f *ServiceFactory) ConfirmationService() *ConfirmationService {
	return f.confirmation
}

func (f *ServiceFactory) SessionManager() *SessionManager {
	return f.sessions
}
