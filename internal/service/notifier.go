package service

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Уведомления
// ============================================================
//
// Notifier потребляет необработанные события закрытия из хранилища,
// превращает их в уведомления и рассылает получателям. Одинаковые
// тревоги в пределах окна охлаждения схлопываются: шторм ошибок API
// даёт одно письмо, а не сотню.

// Окно схлопывания одинаковых уведомлений
const alertCooldown = 5 * time.Minute

// recentLimit - размер кольца последних уведомлений для API
const recentLimit = 200

// Sender доставляет уведомление получателю
type Sender interface {
	Send(n *models.Notification) error
}

// Notifier рассылает уведомления и ведёт кольцо последних
type Notifier struct {
	store   *repository.Store
	senders []Sender
	logger  *utils.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // ключ тревоги -> время последней отправки
	recent   []*models.Notification
	nextID   int

	// now подменяется в тестах
	now func() time.Time
}

// NewNotifier создает notifier. Senders может быть пустым:
// уведомления тогда только логируются и попадают в кольцо.
func NewNotifier(store *repository.Store, senders []Sender, logger *utils.Logger) *Notifier {
	if logger == nil {
		logger = utils.L()
	}
	return &Notifier{
		store:    store,
		senders:  senders,
		logger:   logger.WithComponent("notifier"),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify отправляет уведомление с учётом окна охлаждения.
// Возвращает false если уведомление схлопнуто.
func (n *Notifier) Notify(notification *models.Notification) bool {
	key := notification.Type + "|" + notification.Symbol + "|" + notification.Message

	n.mu.Lock()
	last, seen := n.lastSent[key]
	if seen && n.now().Sub(last) < alertCooldown {
		n.mu.Unlock()
		return false
	}
	n.lastSent[key] = n.now()

	n.nextID++
	notification.ID = n.nextID
	if notification.Timestamp.IsZero() {
		notification.Timestamp = n.now()
	}
	n.recent = append(n.recent, notification)
	if len(n.recent) > recentLimit {
		n.recent = n.recent[len(n.recent)-recentLimit:]
	}
	n.mu.Unlock()

	n.logger.Info("Уведомление",
		utils.String("type", notification.Type),
		utils.String("severity", notification.Severity),
		utils.Symbol(notification.Symbol),
		utils.String("message", notification.Message))

	for _, sender := range n.senders {
		if err := sender.Send(notification); err != nil {
			n.logger.Error("Доставка уведомления не удалась", utils.Err(err))
		}
	}
	return true
}

// Alert реализует контракт получателя тревог reconciler'а
func (n *Notifier) Alert(severity, title, message string) {
	n.Notify(&models.Notification{
		Type:     models.NotificationTypeReconcile,
		Severity: severity,
		Message:  title + ": " + message,
	})
}

// Recent возвращает последние уведомления, новые первыми
func (n *Notifier) Recent(limit int) []*models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	if limit <= 0 || limit > len(n.recent) {
		limit = len(n.recent)
	}
	out := make([]*models.Notification, 0, limit)
	for i := len(n.recent) - 1; i >= len(n.recent)-limit; i-- {
		out = append(out, n.recent[i])
	}
	return out
}

// ProcessCloseEvents забирает необработанные события закрытия,
// рассылает уведомления и помечает события обработанными.
// Вызывается планировщиком.
func (n *Notifier) ProcessCloseEvents(ctx context.Context) error {
	events, err := n.store.CloseEvents.GetUnprocessed()
	if err != nil {
		return err
	}

	for _, event := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n.Notify(closeNotification(event))

		if err := n.store.CloseEvents.MarkProcessed(event.ID); err != nil {
			n.logger.Error("Не удалось пометить событие обработанным",
				utils.Int("event_id", event.ID), utils.Err(err))
		}
	}
	return nil
}

// closeNotification строит уведомление по событию закрытия
func closeNotification(event *models.PositionCloseEvent) *models.Notification {
	notificationType := models.NotificationTypeClose
	severity := models.SeverityInfo

	switch event.CloseReason {
	case models.CloseReasonPartialClose:
		notificationType = models.NotificationTypePartial
	case models.CloseReasonTrendReversal:
		notificationType = models.NotificationTypeReversal
		severity = models.SeverityWarn
	case models.CloseReasonSystemRecovered:
		notificationType = models.NotificationTypeReconcile
		severity = models.SeverityWarn
	}

	return &models.Notification{
		Timestamp: event.CreatedAt,
		Type:      notificationType,
		Severity:  severity,
		Symbol:    event.Symbol,
		Message: fmt.Sprintf("%s %s закрыта по %.2f: PNL %.2f USDT (%.2f%%), причина %s",
			event.Symbol, event.Side, event.ClosePrice, event.Pnl, event.PnlPercent, event.CloseReason),
		Meta: map[string]interface{}{
			"entryPrice":  event.EntryPrice,
			"closePrice":  event.ClosePrice,
			"pnl":         event.Pnl,
			"pnlPercent":  event.PnlPercent,
			"closeReason": event.CloseReason,
		},
	}
}

// ============================================================
// SMTP
// ============================================================

// SMTPConfig - параметры почтовой доставки
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPSender доставляет уведомления почтой
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender создает почтовый sender
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send отправляет уведомление письмом
func (s *SMTPSender) Send(n *models.Notification) error {
	if s.cfg.Host == "" || len(s.cfg.To) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[aitrader] %s %s", n.Type, n.Symbol)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n\r\n%s\r\n",
		s.cfg.From,
		strings.Join(s.cfg.To, ", "),
		subject,
		n.Timestamp.Format(time.RFC3339),
		n.Message)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, s.cfg.To, []byte(body))
}
