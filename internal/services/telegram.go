package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/checkout"
	"jetpredict-app/internal/conversation"
	"jetpredict-app/internal/jetgame"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
)

// updateTimeout bounds the handling of one update, engine retries included
const updateTimeout = 3 * time.Minute

const (
	msgGenericError  = "❌ Une erreur est survenue. Veuillez réessayer plus tard."
	msgEngineFailure = "⚠️ Le moteur de stratégie est momentanément indisponible. Veuillez réessayer dans quelques minutes."
	msgNotLinked     = "🔗 Votre compte n'est pas encore lié. Tapez /link <code> ou /start pour créer un compte."
	msgHelp          = "🤖 Commandes : /predict, /plans, /profile, /whoami, /jetgame, /givemefreeplan, /support, /link, /unlink, /cancel"
)

// Sender is the part of the Bot API the transport uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Pinger is a dependency reported by /diag
type Pinger interface {
	Ping(ctx context.Context) error
}

type BotDeps struct {
	Machine     *conversation.Machine
	Sessions    conversation.Store
	Accounts    *accounts.Service
	Plans       *plans.Service
	Predictions *predictions.Service
	AdminIDs    []int64
	DB          Pinger

	WhatsAppNumber string // support line, Monthly only
}

// Bot is the Telegram transport of the conversation machine
type Bot struct {
	BotDeps
	api     *tgbotapi.BotAPI
	sender  Sender
	started time.Time

	chatMu sync.Mutex
	chats  map[int64]*chatQueue
	wg     sync.WaitGroup
	handle func(ctx context.Context, update tgbotapi.Update)

	rngMu sync.Mutex
	rng   *rand.Rand
}

func InitBot(token string, d BotDeps) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger.Get().Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	b := newBot(api, d)
	b.api = api
	return b, nil
}

func newBot(s Sender, d BotDeps) *Bot {
	b := &Bot{
		BotDeps: d,
		sender:  s,
		started: time.Now(),
		chats:   map[int64]*chatQueue{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.handle = b.handleUpdate
	return b
}

// Listen consumes updates until ctx is cancelled. Chats are handled
// concurrently, updates of one chat in order. It returns once every update in
// flight has been handled.
func (b *Bot) Listen(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	b.consume(ctx, b.api.GetUpdatesChan(u), b.api.StopReceivingUpdates)
}

func (b *Bot) consume(ctx context.Context, updates tgbotapi.UpdatesChannel, stop func()) {
	// updates already accepted finish even when ctx is cancelled
	base := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			stop()
			b.wg.Wait()
			return
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return
			}
			if chatID := updateChat(update); chatID != 0 {
				b.dispatch(base, chatID, update)
			}
		}
	}
}

func updateChat(u tgbotapi.Update) int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat.ID
	}
	return 0
}

// chatQueue holds the updates of one chat waiting for its worker
type chatQueue struct {
	pending []tgbotapi.Update
}

// dispatch queues an update behind the earlier ones of its chat, starting a
// worker when the chat has none. The queue is dropped once drained.
func (b *Bot) dispatch(ctx context.Context, chatID int64, update tgbotapi.Update) {
	b.chatMu.Lock()
	if q, ok := b.chats[chatID]; ok {
		q.pending = append(q.pending, update)
		b.chatMu.Unlock()
		return
	}
	q := &chatQueue{pending: []tgbotapi.Update{update}}
	b.chats[chatID] = q
	b.chatMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			b.chatMu.Lock()
			if len(q.pending) == 0 {
				delete(b.chats, chatID)
				b.chatMu.Unlock()
				return
			}
			next := q.pending[0]
			q.pending = q.pending[1:]
			b.chatMu.Unlock()

			uctx, cancel := context.WithTimeout(ctx, updateTimeout)
			b.handle(uctx, next)
			cancel()
		}
	}()
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			logger.Get().Error("panic while handling update", zap.Any("panic", r), zap.Int("update_id", update.UpdateID))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil && update.Message.Text != "":
		b.handleText(ctx, update.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	log := logger.Get().With(zap.Int64("chat_id", chatID), zap.String("command", msg.Command()))

	var (
		reply conversation.Reply
		err   error
	)
	switch msg.Command() {
	case "start":
		reply, err = b.start(ctx, chatID, args)
	case "link":
		if args == "" {
			reply, err = b.Machine.StartLinking(ctx, chatID)
		} else {
			reply, err = b.Machine.Link(ctx, chatID, args)
		}
	case "unlink":
		reply, err = b.unlink(ctx, chatID)
	case "whoami":
		reply, err = b.whoami(ctx, chatID)
	case "jetgame":
		reply, err = b.jetGame(ctx, chatID)
	case "givemefreeplan":
		reply, err = b.freePlan(ctx, chatID)
	case "support":
		reply, err = b.support(ctx, chatID)
	case "predict":
		reply = riskMenu()
	case "plans":
		reply = plansMenu()
	case "profile":
		reply = profileMenu()
	case "cancel":
		reply, err = b.Machine.Cancel(ctx, chatID)
	case "diag":
		if !b.isAdmin(msg.From) {
			return
		}
		reply = b.diag(ctx)
	case "help":
		reply = conversation.Reply{Text: msgHelp}
	default:
		reply = conversation.Reply{Text: msgHelp}
	}
	if err != nil {
		log.Error("command failed", zap.Error(err))
		reply = conversation.Reply{Text: msgGenericError}
	}
	b.send(chatID, reply)
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	b.feed(ctx, msg.Chat.ID, msg.Text)
}

// feed passes text to the current flow of the chat
func (b *Bot) feed(ctx context.Context, chatID int64, text string) {
	reply, err := b.Machine.Handle(ctx, chatID, text)
	if err != nil {
		logger.Get().Error("conversation step failed", zap.Int64("chat_id", chatID), zap.Error(err))
		b.dropSession(ctx, chatID)
		b.send(chatID, conversation.Reply{Text: msgGenericError})
		return
	}
	if reply == nil {
		b.send(chatID, conversation.Reply{Text: msgHelp})
		return
	}
	b.send(chatID, *reply)
	if reply.Order != nil {
		b.NotifyAdmin(checkout.ComposeOrderMessage(*reply.Order))
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if _, err := b.sender.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		logger.Get().Debug("failed to answer callback", zap.Error(err))
	}
	chatID := cq.Message.Chat.ID
	data := cq.Data

	var (
		reply conversation.Reply
		err   error
	)
	switch {
	case data == "plans":
		reply = plansMenu()
	case data == "predict":
		reply = riskMenu()
	case data == "profile":
		reply = profileMenu()
	case data == "jetgame":
		reply, err = b.jetGame(ctx, chatID)
	case strings.HasPrefix(data, "risk:"):
		risk, perr := models.ParseRiskLevel(strings.TrimPrefix(data, "risk:"))
		if perr != nil {
			return
		}
		reply, err = b.Machine.StartPrediction(ctx, chatID, risk)
	case strings.HasPrefix(data, "plan:"):
		plan, perr := models.ParsePlan(strings.TrimPrefix(data, "plan:"))
		if perr != nil {
			return
		}
		reply, err = b.Machine.StartCheckout(ctx, chatID, plan)
	case strings.HasPrefix(data, "edit:"):
		reply, err = b.startEdit(ctx, chatID, strings.TrimPrefix(data, "edit:"))
	case strings.HasPrefix(data, "strat:"):
		reply, err = b.strategy(ctx, chatID, data)
	case strings.HasPrefix(data, "promo:"), strings.HasPrefix(data, "pay:"):
		b.feed(ctx, chatID, data)
		return
	default:
		logger.Get().Debug("unknown callback", zap.String("data", data))
		return
	}
	if err != nil {
		logger.Get().Error("callback failed", zap.Int64("chat_id", chatID), zap.String("data", data), zap.Error(err))
		reply = conversation.Reply{Text: msgGenericError}
	}
	b.send(chatID, reply)
}

func (b *Bot) start(ctx context.Context, chatID int64, payload string) (conversation.Reply, error) {
	u, err := b.Accounts.ByChat(ctx, chatID)
	if err == nil {
		r := mainMenu()
		r.Text = fmt.Sprintf("👋 Bon retour %s !\n\n%s", displayName(u), r.Text)
		return r, nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{}, err
	}

	// deep links carry the referral code as ref_<username>
	ref := strings.TrimPrefix(payload, "ref_")
	r, err := b.Machine.StartRegistration(ctx, chatID, ref)
	if err != nil {
		return r, err
	}
	r.Text = "👋 Bienvenue sur Jet Predict !\nVous avez déjà un compte ? Tapez /link <code>.\n\n" + r.Text
	return r, nil
}

func (b *Bot) dropSession(ctx context.Context, chatID int64) {
	if err := b.Sessions.Delete(ctx, chatID); err != nil {
		logger.Get().Error("failed to delete session", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) unlink(ctx context.Context, chatID int64) (conversation.Reply, error) {
	_, err := b.Accounts.UnlinkChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}
	b.dropSession(ctx, chatID)
	return conversation.Reply{Text: "🔓 Ce chat n'est plus lié à votre compte."}, nil
}

func (b *Bot) whoami(ctx context.Context, chatID int64) (conversation.Reply, error) {
	u, err := b.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}
	sub, _, err := b.Plans.Current(ctx, u.ID)
	if err != nil {
		return conversation.Reply{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 %s\n📧 %s\n🏷️ Code de parrainage : %s\n", displayName(u), u.Email, u.Username)
	if sub != nil && sub.Active {
		left := sub.Remaining(time.Now()).Round(time.Minute)
		fmt.Fprintf(&sb, "💎 Forfait %s, encore %s", sub.Plan.Label(), left)
	} else {
		sb.WriteString("💎 Aucun forfait actif")
	}
	return conversation.Reply{Text: sb.String()}, nil
}

func (b *Bot) jetGame(ctx context.Context, chatID int64) (conversation.Reply, error) {
	u, err := b.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}
	if err := b.Plans.RequirePremium(ctx, u.ID); err != nil {
		if errors.Is(err, plans.ErrEntitlementDenied) {
			return conversation.Upsell(err), nil
		}
		return conversation.Reply{}, err
	}

	b.rngMu.Lock()
	round := jetgame.Play(b.rng)
	b.rngMu.Unlock()
	return conversation.Reply{
		Text: fmt.Sprintf("🚀 Simulation Lucky Jet\nLe jet s'est écrasé à %.2fx après %.1fs de vol.", round.CrashPoint, round.Seconds),
		Buttons: [][]conversation.Button{{
			{Text: "🔁 Rejouer", Data: "jetgame"},
		}},
	}, nil
}

func (b *Bot) support(ctx context.Context, chatID int64) (conversation.Reply, error) {
	u, err := b.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}
	if err := b.Plans.RequireSupport(ctx, u.ID); err != nil {
		if errors.Is(err, plans.ErrEntitlementDenied) {
			return conversation.Upsell(err), nil
		}
		return conversation.Reply{}, err
	}
	return conversation.Reply{
		Text: "🛟 Support prioritaire : écrivez-nous sur WhatsApp, un conseiller vous répond.",
		URL:  checkout.SupportLink(b.WhatsAppNumber, u),
	}, nil
}

func (b *Bot) freePlan(ctx context.Context, chatID int64) (conversation.Reply, error) {
	u, err := b.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}
	sub, err := b.Plans.GrantTrial(ctx, u)
	switch {
	case errors.Is(err, plans.ErrTrialUsed):
		return conversation.Reply{Text: "ℹ️ Vous avez déjà profité de l'essai gratuit."}, nil
	case errors.Is(err, plans.ErrAlreadySubscribed):
		return conversation.Reply{Text: "ℹ️ Vous avez déjà un forfait actif."}, nil
	case err != nil:
		return conversation.Reply{}, err
	}
	return conversation.Reply{
		Text:    fmt.Sprintf("🎁 Essai gratuit activé : forfait %s pendant 1 heure.", sub.Plan.Label()),
		Buttons: [][]conversation.Button{{{Text: "🎯 Prédire", Data: "predict"}}},
	}, nil
}

func (b *Bot) startEdit(ctx context.Context, chatID int64, what string) (conversation.Reply, error) {
	switch what {
	case "password":
		return b.Machine.StartChangePassword(ctx, chatID)
	case "email":
		return b.Machine.StartChangeEmail(ctx, chatID)
	}
	return b.Machine.StartEdit(ctx, chatID, accounts.Field(what))
}

// strategy answers a slot button of a rendered prediction
func (b *Bot) strategy(ctx context.Context, chatID int64, data string) (conversation.Reply, error) {
	predictionID, slot, ok := conversation.ParseStrategyData(data)
	if !ok {
		return conversation.Reply{}, fmt.Errorf("malformed strategy callback %q", data)
	}
	u, err := b.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return conversation.Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return conversation.Reply{}, err
	}

	s, _, err := b.Predictions.ObtainStrategy(ctx, u.ID, predictionID, slot)
	switch {
	case errors.Is(err, plans.ErrEntitlementDenied):
		return conversation.Upsell(err), nil
	case errors.Is(err, predictions.ErrStrategyEngine):
		return conversation.Reply{Text: msgEngineFailure}, nil
	case errors.Is(err, predictions.ErrNotFound), errors.Is(err, predictions.ErrUnknownSlot):
		return conversation.Reply{Text: "❓ Cette prédiction n'existe plus."}, nil
	case err != nil:
		return conversation.Reply{}, err
	}
	return conversation.Reply{Text: conversation.RenderStrategy(s)}, nil
}

func (b *Bot) diag(ctx context.Context) conversation.Reply {
	sessions, err := b.Sessions.Count(ctx)
	sessionsText := fmt.Sprint(sessions)
	if err != nil {
		sessionsText = "erreur: " + err.Error()
	}
	dbText := "ok"
	if b.DB != nil {
		if err := b.DB.Ping(ctx); err != nil {
			dbText = "erreur: " + err.Error()
		}
	}
	return conversation.Reply{Text: fmt.Sprintf("🩺 Diagnostic\nUptime : %s\nSessions actives : %s\nBase de données : %s",
		time.Since(b.started).Round(time.Second), sessionsText, dbText)}
}

func (b *Bot) isAdmin(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	for _, id := range b.AdminIDs {
		if id == from.ID {
			return true
		}
	}
	return false
}

func mainMenu() conversation.Reply {
	return conversation.Reply{
		Text: "Que voulez-vous faire ?",
		Buttons: [][]conversation.Button{
			{{Text: "🎯 Prédire", Data: "predict"}, {Text: "💎 Forfaits", Data: "plans"}},
			{{Text: "👤 Profil", Data: "profile"}},
		},
	}
}

func riskMenu() conversation.Reply {
	var rows [][]conversation.Button
	for _, r := range models.RiskLevels {
		rows = append(rows, []conversation.Button{{Text: string(r), Data: "risk:" + r.Key()}})
	}
	return conversation.Reply{Text: "🎯 Choisissez votre niveau de risque :", Buttons: rows}
}

func plansMenu() conversation.Reply {
	var rows [][]conversation.Button
	for _, o := range plans.Catalog() {
		rows = append(rows, []conversation.Button{{
			Text: fmt.Sprintf("%s · %s FCFA", o.Label, o.Price.StringFixed(0)),
			Data: "plan:" + string(o.Plan),
		}})
	}
	return conversation.Reply{Text: "💎 Choisissez un forfait :", Buttons: rows}
}

func profileMenu() conversation.Reply {
	return conversation.Reply{
		Text: "👤 Que voulez-vous modifier ?",
		Buttons: [][]conversation.Button{
			{{Text: "Prénom", Data: "edit:" + string(accounts.FieldFirstName)}, {Text: "Nom d'utilisateur", Data: "edit:" + string(accounts.FieldUsername)}},
			{{Text: "Téléphone", Data: "edit:" + string(accounts.FieldPhone)}, {Text: "Jeu favori", Data: "edit:" + string(accounts.FieldFavoriteGame)}},
			{{Text: "Code pronostiqueur", Data: "edit:" + string(accounts.FieldTipsterCode)}},
			{{Text: "🔑 Mot de passe", Data: "edit:password"}, {Text: "📧 Email", Data: "edit:email"}},
		},
	}
}

func displayName(u *models.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

// markup turns reply buttons into an inline keyboard, the hand-off link last
func markup(r conversation.Reply) *tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, row := range r.Buttons {
		var kb []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			kb = append(kb, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		rows = append(rows, kb)
	}
	if r.URL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("📲 Envoyer sur WhatsApp", r.URL)))
	}
	if len(rows) == 0 {
		return nil
	}
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func (b *Bot) send(chatID int64, r conversation.Reply) {
	if r.Text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, r.Text)
	if kb := markup(r); kb != nil {
		msg.ReplyMarkup = kb
	}
	if _, err := b.sender.Send(msg); err != nil {
		logger.Get().Error("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// NotifyAdmin forwards text to every admin chat
func (b *Bot) NotifyAdmin(text string) {
	if len(b.AdminIDs) == 0 {
		logger.Get().Warn("no admin chat configured, dropping notification")
		return
	}
	for _, id := range b.AdminIDs {
		b.NotifyUser(id, text)
	}
}

func (b *Bot) NotifyUser(chatID int64, text string) {
	if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Get().Error("failed to send notification", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
