// Package notification delivers OTP codes to recipients and claim summaries
// to the dispatch mailbox.
package notification

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"delivery-guard/internal/config"
	"delivery-guard/internal/models"
	"delivery-guard/internal/util"
)

// OTPSender dispatches a one-time code over the requested channel.
type OTPSender interface {
	SendOTP(ctx context.Context, channel models.OTPChannel, destination, code string) error
}

// OTPMessage is the text recipients receive.
func OTPMessage(code string, ttlMinutes int) string {
	return fmt.Sprintf("Tu código de verificación de entrega es %s. Vence en %d minutos. No lo compartas.", code, ttlMinutes)
}

type TwilioSender struct {
	client       *twilio.RestClient
	smsFrom      string
	whatsAppFrom string
	ttlMinutes   int
}

func NewTwilioSender(cfg config.TwilioConfig, ttlMinutes int) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}
	if cfg.SMSFrom == "" && cfg.WhatsAppFrom == "" {
		return nil, fmt.Errorf("no Twilio sender number configured")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	util.Info("Twilio sender initialized",
		util.Bool("sms", cfg.SMSFrom != ""),
		util.Bool("whatsapp", cfg.WhatsAppFrom != ""))

	return &TwilioSender{
		client:       client,
		smsFrom:      cfg.SMSFrom,
		whatsAppFrom: cfg.WhatsAppFrom,
		ttlMinutes:   ttlMinutes,
	}, nil
}

func (t *TwilioSender) SendOTP(_ context.Context, channel models.OTPChannel, destination, code string) error {
	params := &twilioApi.CreateMessageParams{}
	switch channel {
	case models.ChannelWhatsApp:
		if t.whatsAppFrom == "" {
			return fmt.Errorf("whatsapp channel not configured")
		}
		params.SetFrom(whatsAppAddress(t.whatsAppFrom))
		params.SetTo(whatsAppAddress(destination))
	case models.ChannelSMS:
		if t.smsFrom == "" {
			return fmt.Errorf("sms channel not configured")
		}
		params.SetFrom(t.smsFrom)
		params.SetTo(destination)
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
	params.SetBody(OTPMessage(code, t.ttlMinutes))

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		util.Error("Failed to send OTP",
			util.String("channel", string(channel)),
			util.String("destination", util.MaskPhone(destination)),
			util.ErrorField(err))
		return fmt.Errorf("twilio send failed: %w", err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	util.Info("OTP sent",
		util.String("channel", string(channel)),
		util.String("destination", util.MaskPhone(destination)),
		util.String("sid", sid))
	return nil
}

func whatsAppAddress(number string) string {
	if len(number) > 9 && number[:9] == "whatsapp:" {
		return number
	}
	return "whatsapp:" + number
}

// LogSender records the dispatch without contacting a provider. Used when
// Twilio is disabled outside production.
type LogSender struct{}

func (LogSender) SendOTP(_ context.Context, channel models.OTPChannel, destination, _ string) error {
	util.Info("OTP dispatch skipped, no provider configured",
		util.String("channel", string(channel)),
		util.String("destination", util.MaskPhone(destination)))
	return nil
}
