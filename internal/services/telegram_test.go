package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/conversation"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
)

type sentMessage struct {
	chatID int64
	text   string
	markup *tgbotapi.InlineKeyboardMarkup
}

type fakeSender struct {
	sent     []sentMessage
	answered int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	kb, _ := msg.ReplyMarkup.(*tgbotapi.InlineKeyboardMarkup)
	f.sent = append(f.sent, sentMessage{chatID: msg.ChatID, text: msg.Text, markup: kb})
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.answered++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type memUsers map[string]*models.User

func (m memUsers) find(match func(*models.User) bool) *models.User {
	for _, u := range m {
		if match(u) {
			c := *u
			return &c
		}
	}
	return nil
}

func (m memUsers) CreateUser(_ context.Context, u *models.User) error {
	c := *u
	m[u.ID] = &c
	return nil
}

func (m memUsers) UpdateUser(ctx context.Context, u *models.User) error { return m.CreateUser(ctx, u) }

func (m memUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id }), nil
}

func (m memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Email == email }), nil
}

func (m memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Username == username }), nil
}

func (m memUsers) GetUserByChatID(_ context.Context, chatID int64) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.TelegramChatID != nil && *u.TelegramChatID == chatID }), nil
}

func (m memUsers) GetUserByLinkToken(_ context.Context, token string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.TelegramLinkToken != "" && u.TelegramLinkToken == token }), nil
}

func (m memUsers) DeleteUser(_ context.Context, id string) error {
	delete(m, id)
	return nil
}

func (m memUsers) SearchUsers(context.Context, string, int) ([]models.User, error) { return nil, nil }

type memSubs struct {
	subs  map[string]models.Subscription
	users memUsers
}

func (m *memSubs) GetSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	s, ok := m.subs[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSubs) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	m.subs[sub.UserID] = *sub
	return nil
}

func (m *memSubs) DeactivateSubscription(_ context.Context, userID string) error {
	s := m.subs[userID]
	s.Active = false
	m.subs[userID] = s
	return nil
}

func (m *memSubs) ListExpiredSubscriptions(context.Context, time.Time) ([]models.Subscription, error) {
	return nil, nil
}

func (m *memSubs) MarkTrialUsed(_ context.Context, userID string) error {
	if u, ok := m.users[userID]; ok {
		u.TrialUsed = true
	}
	return nil
}

// noPredictions is never reached: every test stops at the plan gate
type noPredictions struct{}

func (noPredictions) CreatePrediction(context.Context, *models.Prediction) error { return nil }
func (noPredictions) LatestPrediction(context.Context, string, models.RiskLevel, time.Time, time.Time) (*models.Prediction, error) {
	return nil, nil
}
func (noPredictions) GetPrediction(context.Context, string) (*models.Prediction, error) {
	return nil, nil
}
func (noPredictions) AppendStrategy(context.Context, string, models.Strategy) error { return nil }
func (noPredictions) ListPredictions(context.Context, string, int) ([]models.Prediction, error) {
	return nil, nil
}

const (
	linkedChat = int64(100)
	adminChat  = int64(7)
)

type testBot struct {
	*Bot
	sender   *fakeSender
	users    memUsers
	sessions *conversation.MemoryStore
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	users := memUsers{}
	chat := linkedChat
	users["u1"] = &models.User{ID: "u1", Email: "awa@mail.ci", Username: "awa", FirstName: "Awa", TelegramChatID: &chat}

	acc := accounts.NewService(users)
	acc.SetHashCost(4)
	pl := plans.NewService(&memSubs{subs: map[string]models.Subscription{}, users: users})
	pred := predictions.NewService(noPredictions{}, nil, pl, time.UTC)
	sessions := conversation.NewMemoryStore(time.Hour)

	machine := conversation.NewMachine(conversation.Deps{
		Store:          sessions,
		Accounts:       acc,
		Predictions:    pred,
		Plans:          pl,
		WhatsAppNumber: "+225 07 00 00 00",
		Location:       time.UTC,
	})

	sender := &fakeSender{}
	b := newBot(sender, BotDeps{
		Machine:     machine,
		Sessions:    sessions,
		Accounts:    acc,
		Plans:       pl,
		Predictions: pred,
		AdminIDs:    []int64{adminChat},

		WhatsAppNumber: "+225 07 00 00 00",
	})
	return &testBot{Bot: b, sender: sender, users: users, sessions: sessions}
}

func command(chatID int64, text string) tgbotapi.Update {
	name := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func callback(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    data,
		From:    &tgbotapi.User{ID: chatID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestMarkup(t *testing.T) {
	if markup(conversation.Reply{Text: "hi"}) != nil {
		t.Error("plain reply got a keyboard")
	}
	kb := markup(conversation.Reply{
		Buttons: [][]conversation.Button{{{Text: "A", Data: "a"}, {Text: "B", Data: "b"}}},
		URL:     "https://wa.me/1?text=x",
	})
	if kb == nil || len(kb.InlineKeyboard) != 2 {
		t.Fatalf("keyboard = %+v", kb)
	}
	if got := kb.InlineKeyboard[1][0].URL; got == nil || *got != "https://wa.me/1?text=x" {
		t.Errorf("url button = %v", got)
	}
	if got := kb.InlineKeyboard[0][1].CallbackData; got == nil || *got != "b" {
		t.Errorf("data button = %v", got)
	}
}

func TestStartUnlinkedChatBeginsRegistration(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()
	b.handleUpdate(ctx, command(42, "/start ref_awa"))

	if msg := b.sender.last(t); !strings.Contains(msg.text, "Bienvenue") || msg.chatID != 42 {
		t.Errorf("reply = %+v", msg)
	}
	s, _ := b.sessions.Get(ctx, 42)
	if s == nil || s.Step != conversation.StepRegistrationEmail || s.Data.ReferredBy != "awa" {
		t.Errorf("session = %+v", s)
	}

	b.handleUpdate(ctx, command(linkedChat, "/start"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "Bon retour Awa") {
		t.Errorf("linked reply = %q", msg.text)
	}
}

func TestDiagIsHiddenFromUsers(t *testing.T) {
	b := newTestBot(t)
	b.handleUpdate(context.Background(), command(linkedChat, "/diag"))
	if len(b.sender.sent) != 0 {
		t.Fatalf("diag answered a regular user: %+v", b.sender.sent)
	}
	b.handleUpdate(context.Background(), command(adminChat, "/diag"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "Diagnostic") {
		t.Errorf("diag = %q", msg.text)
	}
}

func TestCheckoutNotifiesAdmins(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()
	for _, data := range []string{"plan:weekly", "promo:no", "pay:Wave"} {
		b.handleUpdate(ctx, callback(linkedChat, data))
	}

	var toUser, toAdmin []sentMessage
	for _, m := range b.sender.sent {
		switch m.chatID {
		case linkedChat:
			toUser = append(toUser, m)
		case adminChat:
			toAdmin = append(toAdmin, m)
		}
	}
	if len(toUser) != 3 || len(toAdmin) != 1 {
		t.Fatalf("user got %d messages, admin %d", len(toUser), len(toAdmin))
	}
	final := toUser[2]
	if final.markup == nil || !strings.Contains(final.text, "10000 FCFA") {
		t.Errorf("hand-off = %+v", final)
	}
	if !strings.Contains(toAdmin[0].text, "Wave") || !strings.Contains(toAdmin[0].text, "awa@mail.ci") {
		t.Errorf("admin order = %q", toAdmin[0].text)
	}
	if b.sender.answered != 3 {
		t.Errorf("answered %d callbacks", b.sender.answered)
	}
}

func TestPremiumFeaturesUpsell(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	b.handleUpdate(ctx, callback(linkedChat, conversation.StrategyData("p1", "14:05")))
	if msg := b.sender.last(t); !strings.HasPrefix(msg.text, "🔒") {
		t.Errorf("strategy without plan = %q", msg.text)
	}
	b.handleUpdate(ctx, command(linkedChat, "/jetgame"))
	if msg := b.sender.last(t); !strings.HasPrefix(msg.text, "🔒") {
		t.Errorf("jetgame without plan = %q", msg.text)
	}
	b.handleUpdate(ctx, callback(linkedChat, "risk:high"))
	if msg := b.sender.last(t); !strings.HasPrefix(msg.text, "🔒") || msg.markup == nil {
		t.Errorf("risk without plan = %+v", msg)
	}
}

func TestFreePlanOnce(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	b.handleUpdate(ctx, command(linkedChat, "/givemefreeplan"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "Essai gratuit activé") {
		t.Fatalf("first trial = %q", msg.text)
	}
	b.handleUpdate(ctx, command(linkedChat, "/givemefreeplan"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "déjà") {
		t.Errorf("second trial = %q", msg.text)
	}
	b.handleUpdate(ctx, command(999, "/givemefreeplan"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "/link") {
		t.Errorf("unlinked trial = %q", msg.text)
	}
}

func TestUnlinkThenWhoami(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	b.handleUpdate(ctx, command(linkedChat, "/whoami"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "awa@mail.ci") || !strings.Contains(msg.text, "Aucun forfait") {
		t.Errorf("whoami = %q", msg.text)
	}
	b.handleUpdate(ctx, command(linkedChat, "/unlink"))
	b.handleUpdate(ctx, command(linkedChat, "/whoami"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "pas encore lié") {
		t.Errorf("whoami after unlink = %q", msg.text)
	}
}

func TestSupportIsMonthlyOnly(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	b.handleUpdate(ctx, command(linkedChat, "/support"))
	if msg := b.sender.last(t); !strings.Contains(msg.text, "Mensuel") {
		t.Errorf("support without plan = %q", msg.text)
	}

	if _, err := b.Plans.Activate(ctx, "u1", models.PlanMonthly); err != nil {
		t.Fatal(err)
	}
	b.handleUpdate(ctx, command(linkedChat, "/support"))
	msg := b.sender.last(t)
	if msg.markup == nil {
		t.Fatalf("support on monthly = %+v", msg)
	}
	rows := msg.markup.InlineKeyboard
	link := rows[len(rows)-1][0].URL
	if link == nil || !strings.HasPrefix(*link, "https://wa.me/22507000000?text=") {
		t.Errorf("support link = %v", link)
	}
}
