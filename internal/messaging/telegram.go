// Package messaging delivers messages to users and operators through the Telegram Bot API.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"subscription-service/internal/models"
	"subscription-service/internal/util"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botAPI is the part of tgbotapi.BotAPI we use
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Sender struct {
	bot    botAPI
	logger *zap.Logger
}

// NewTelegramSender authenticates the bot token against the Bot API
func NewTelegramSender(token string, client *http.Client) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return newSender(bot), nil
}

func newSender(bot botAPI) *Sender {
	return &Sender{bot: bot, logger: util.GetLogger()}
}

// Send delivers payload to a recipient and returns the message id.
// A nil id without error means the recipient cannot be reached (blocked the bot, deactivated).
func (s *Sender) Send(ctx context.Context, recipientID int64, payload models.MessagePayload) (*int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := s.bot.Send(chattable(recipientID, payload))
	if err != nil {
		if isUnreachable(err) {
			s.logger.Info("Recipient unreachable",
				zap.Int64("recipient", recipientID),
				zap.Error(err),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("send to %d: %w", recipientID, err)
	}

	id := int64(msg.MessageID)
	return &id, nil
}

// Delete retracts a previously sent message; false means Telegram refused
func (s *Sender) Delete(ctx context.Context, recipientID, messageID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	resp, err := s.bot.Request(tgbotapi.NewDeleteMessage(recipientID, int(messageID)))
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return false, nil
		}
		return false, fmt.Errorf("delete %d/%d: %w", recipientID, messageID, err)
	}
	return resp.Ok, nil
}

// SendStarsInvoice posts a native Telegram Stars invoice into the recipient's chat
func (s *Sender) SendStarsInvoice(ctx context.Context, recipientID int64, title, description, payload string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	invoice := tgbotapi.NewInvoice(recipientID, title, description, payload, "", "", string(models.CurrencyXTR),
		[]tgbotapi.LabeledPrice{{Label: title, Amount: int(amount)}})
	invoice.SuggestedTipAmounts = []int{}

	if _, err := s.bot.Send(invoice); err != nil {
		return fmt.Errorf("send stars invoice to %d: %w", recipientID, err)
	}
	return nil
}

// AnswerPreCheckout confirms or declines a Stars checkout before Telegram charges the user
func (s *Sender) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		answer.ErrorMessage = reason
	}
	if _, err := s.bot.Request(answer); err != nil {
		return fmt.Errorf("answer pre-checkout %s: %w", queryID, err)
	}
	return nil
}

func chattable(chatID int64, payload models.MessagePayload) tgbotapi.Chattable {
	switch strings.ToLower(payload.MediaType) {
	case "photo":
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(payload.MediaID))
		photo.Caption = payload.Text
		photo.ParseMode = tgbotapi.ModeHTML
		return photo
	case "video":
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileID(payload.MediaID))
		video.Caption = payload.Text
		video.ParseMode = tgbotapi.ModeHTML
		return video
	case "document":
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileID(payload.MediaID))
		doc.Caption = payload.Text
		doc.ParseMode = tgbotapi.ModeHTML
		return doc
	default:
		msg := tgbotapi.NewMessage(chatID, payload.Text)
		msg.ParseMode = tgbotapi.ModeHTML
		return msg
	}
}

// isUnreachable matches the expected per-recipient failures
func isUnreachable(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return apiErr.Code == http.StatusBadRequest && strings.Contains(msg, "chat not found")
}
