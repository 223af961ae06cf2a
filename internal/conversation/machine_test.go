package conversation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
	"jetpredict-app/internal/promo"
)

type memUsers struct {
	users map[string]*models.User
}

func (m *memUsers) find(match func(*models.User) bool) *models.User {
	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c
		}
	}
	return nil
}

func (m *memUsers) CreateUser(_ context.Context, u *models.User) error {
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *memUsers) UpdateUser(ctx context.Context, u *models.User) error {
	return m.CreateUser(ctx, u)
}

func (m *memUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id }), nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Email == email }), nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Username == username }), nil
}

func (m *memUsers) GetUserByChatID(_ context.Context, chatID int64) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.TelegramChatID != nil && *u.TelegramChatID == chatID }), nil
}

func (m *memUsers) GetUserByLinkToken(_ context.Context, token string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.TelegramLinkToken == token }), nil
}

func (m *memUsers) DeleteUser(_ context.Context, id string) error {
	delete(m.users, id)
	return nil
}

func (m *memUsers) SearchUsers(context.Context, string, int) ([]models.User, error) {
	return nil, nil
}

type memPromos struct {
	codes map[string]*models.PromoCode
}

func (m *memPromos) GetPromoByCode(_ context.Context, code string) (*models.PromoCode, error) {
	return m.codes[code], nil
}

func (m *memPromos) CreatePromo(_ context.Context, p *models.PromoCode) error {
	m.codes[p.Code] = p
	return nil
}

func (m *memPromos) AddRedeemer(_ context.Context, promoID, userID string) error {
	for _, p := range m.codes {
		if p.ID == promoID && !p.Redeemed(userID) {
			p.RedeemedBy = append(p.RedeemedBy, userID)
		}
	}
	return nil
}

type fakePredictor struct {
	fresh  *models.Prediction
	result *models.Prediction
	err    error
	calls  int
}

func (f *fakePredictor) FindFresh(context.Context, string, models.RiskLevel, time.Time) (*models.Prediction, error) {
	return f.fresh, nil
}

func (f *fakePredictor) Obtain(_ context.Context, in predictions.Input) (*models.Prediction, bool, error) {
	f.calls++
	if _, err := predictions.ParseHistory(in.History); err != nil {
		return nil, false, err
	}
	if f.err != nil {
		return nil, false, f.err
	}
	return f.result, false, nil
}

// planGate grants every user the same plan
type planGate models.PlanID

func (g planGate) RequireRisk(_ context.Context, _ string, r models.RiskLevel) error {
	sub := &models.Subscription{Plan: models.PlanID(g), Active: true}
	if !plans.Resolve(sub).Allows(r) {
		return &plans.DeniedError{Feature: string(r), Required: plans.MinimumPlanFor(r)}
	}
	return nil
}

var fixedNow = time.Date(2026, 4, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	m         *Machine
	store     *MemoryStore
	accounts  *accounts.Service
	users     *memUsers
	promos    *memPromos
	predictor *fakePredictor
}

func newFixture(t *testing.T, plan models.PlanID) *fixture {
	t.Helper()
	users := &memUsers{users: map[string]*models.User{}}
	acc := accounts.NewService(users)
	acc.SetHashCost(bcrypt.MinCost)

	promoStore := &memPromos{codes: map[string]*models.PromoCode{}}
	promoSvc := promo.NewService(promoStore)
	promoSvc.SetClock(func() time.Time { return fixedNow })

	store := NewMemoryStore(0)
	pred := &fakePredictor{}
	m := NewMachine(Deps{
		Store:          store,
		Accounts:       acc,
		Predictions:    pred,
		Plans:          planGate(plan),
		Promos:         promoSvc,
		WhatsAppNumber: "+225 07 00 00 00",
	})
	m.SetClock(func() time.Time { return fixedNow })
	return &fixture{m: m, store: store, accounts: acc, users: users, promos: promoStore, predictor: pred}
}

// linkedUser registers an account bound to chatID
func (f *fixture) linkedUser(t *testing.T, chatID int64, email string) *models.User {
	t.Helper()
	u, err := f.accounts.Register(context.Background(), accounts.RegisterInput{Email: email, Password: "secret1", ChatID: &chatID})
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) step(t *testing.T, chatID int64) Step {
	t.Helper()
	s, err := f.store.Get(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		return ""
	}
	return s.Step
}

func (f *fixture) send(t *testing.T, chatID int64, text string) Reply {
	t.Helper()
	r, err := f.m.Handle(context.Background(), chatID, text)
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	if r == nil {
		t.Fatalf("Handle(%q): no flow in progress", text)
	}
	return *r
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	ctx := context.Background()
	const chat = 100

	if _, err := f.m.StartRegistration(ctx, chat, "parrain"); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		input string
		want  Step
	}{
		{"not-an-email", StepRegistrationEmail},
		{"Awa@Mail.ci", StepRegistrationPassword},
		{"abc", StepRegistrationPassword},
		{"secret1", StepRegistrationConfirmPassword},
		{"secret2", StepRegistrationPassword}, // mismatch rolls back
		{"secret1", StepRegistrationConfirmPassword},
	}
	for _, s := range steps {
		f.send(t, chat, s.input)
		if got := f.step(t, chat); got != s.want {
			t.Fatalf("after %q: step = %q, want %q", s.input, got, s.want)
		}
	}

	sess, _ := f.store.Get(ctx, chat)
	if sess.Data.PasswordHash == "" || strings.Contains(sess.Data.PasswordHash, "secret1") {
		t.Errorf("session holds %q, want a hash", sess.Data.PasswordHash)
	}

	r := f.send(t, chat, "secret1")
	if !strings.Contains(r.Text, "Compte créé") {
		t.Errorf("final reply = %q", r.Text)
	}
	if f.step(t, chat) != "" {
		t.Error("session not cleared")
	}
	u, err := f.accounts.ByChat(ctx, chat)
	if err != nil || u.Email != "awa@mail.ci" {
		t.Fatalf("account = %+v, %v", u, err)
	}
	if _, err := f.accounts.Authenticate(ctx, "awa@mail.ci", "secret1"); err != nil {
		t.Errorf("login with chosen password: %v", err)
	}

	// a linked chat cannot start a second registration
	r, _ = f.m.StartRegistration(ctx, chat, "")
	if !strings.Contains(r.Text, "déjà lié") || f.step(t, chat) != "" {
		t.Errorf("second registration: %q, step %q", r.Text, f.step(t, chat))
	}
}

func TestRegistrationRejectsTakenEmail(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	f.linkedUser(t, 1, "awa@mail.ci")

	f.m.StartRegistration(context.Background(), 2, "")
	r := f.send(t, 2, "awa@mail.ci")
	if f.step(t, 2) != StepRegistrationEmail || !strings.Contains(r.Text, "déjà utilisée") {
		t.Errorf("reply %q, step %q", r.Text, f.step(t, 2))
	}
}

func TestPromoCheckoutFlow(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	ctx := context.Background()
	const chat = 200
	u := f.linkedUser(t, chat, "yao@mail.ci")
	f.promos.codes["JET20"] = &models.PromoCode{
		ID: "p1", Code: "JET20", Plan: models.PlanMonthly, DiscountPct: 20,
		StartsAt: fixedNow.Add(-time.Hour), EndsAt: fixedNow.Add(time.Hour),
		RedeemedBy: []string{},
	}

	r, err := f.m.StartCheckout(ctx, chat, models.PlanMonthly)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Buttons) != 1 || r.Buttons[0][0].Data != "promo:yes" {
		t.Errorf("decision buttons = %+v", r.Buttons)
	}

	f.send(t, chat, "peut-être")
	if f.step(t, chat) != StepPromoDecision {
		t.Fatalf("step = %q after an unclear answer", f.step(t, chat))
	}
	f.send(t, chat, "promo:yes")
	if f.step(t, chat) != StepPromoInput {
		t.Fatalf("step = %q", f.step(t, chat))
	}
	r = f.send(t, chat, " jet20 ")
	if f.step(t, chat) != StepPaymentMethod || !strings.Contains(r.Text, "24000 FCFA") {
		t.Fatalf("step %q, reply %q", f.step(t, chat), r.Text)
	}

	f.send(t, chat, "Bitcoin")
	if f.step(t, chat) != StepPaymentMethod {
		t.Fatal("unknown method should re-prompt")
	}

	r = f.send(t, chat, "pay:Wave")
	if f.step(t, chat) != "" {
		t.Error("session not cleared after hand-off")
	}
	if r.Order == nil || r.Order.FinalPrice.StringFixed(0) != "24000" || r.Order.Promo == nil || r.Order.PaymentMethod != "Wave" {
		t.Fatalf("order = %+v", r.Order)
	}
	if !strings.HasPrefix(r.URL, "https://wa.me/22507000000?text=") {
		t.Errorf("url = %q", r.URL)
	}
	if !strings.Contains(r.Text, "Code promo : JET20 (-20%)") {
		t.Errorf("message = %q", r.Text)
	}
	if got := f.promos.codes["JET20"].RedeemedBy; len(got) != 1 || got[0] != u.ID {
		t.Errorf("redeemers = %v", got)
	}
}

func TestInvalidPromoProceedsWithoutDiscount(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	const chat = 201
	f.linkedUser(t, chat, "yao@mail.ci")
	f.promos.codes["DAILY"] = &models.PromoCode{ID: "p2", Code: "DAILY", Plan: models.PlanDaily, DiscountPct: 50}

	f.m.StartCheckout(context.Background(), chat, models.PlanWeekly)
	f.send(t, chat, "oui")
	r := f.send(t, chat, "daily")
	if f.step(t, chat) != StepPaymentMethod {
		t.Fatalf("step = %q", f.step(t, chat))
	}
	if !strings.Contains(r.Text, "ne s'applique pas") || !strings.Contains(r.Text, "10000 FCFA") {
		t.Errorf("reply = %q", r.Text)
	}

	r = f.send(t, chat, "orange money")
	if r.Order == nil || r.Order.Promo != nil || r.Order.FinalPrice.StringFixed(0) != "10000" || r.Order.PaymentMethod != "Orange Money" {
		t.Errorf("order = %+v", r.Order)
	}
}

func TestHistoryFlow(t *testing.T) {
	f := newFixture(t, models.PlanMonthly)
	ctx := context.Background()
	const chat = 300
	f.linkedUser(t, chat, "kone@mail.ci")

	r, err := f.m.StartPrediction(ctx, chat, models.RiskHigh)
	if err != nil {
		t.Fatal(err)
	}
	if f.step(t, chat) != StepHistory {
		t.Fatalf("step = %q, reply %q", f.step(t, chat), r.Text)
	}

	f.send(t, chat, "pas de chiffres")
	if f.step(t, chat) != StepHistory {
		t.Fatal("invalid history should re-prompt in place")
	}

	f.predictor.err = fmt.Errorf("%w: overloaded", predictions.ErrPredictionEngine)
	r = f.send(t, chat, "1.2, 3.4x")
	if r.Text != msgEngineFailure {
		t.Errorf("reply = %q", r.Text)
	}
	if f.step(t, chat) != "" {
		t.Error("engine failure should drop the session")
	}

	f.m.StartPrediction(ctx, chat, models.RiskHigh)
	f.predictor.err = nil
	f.predictor.result = &models.Prediction{
		ID:        "pred-1",
		RiskLevel: models.RiskHigh,
		Slots:     []models.Slot{{Time: "14:00", CrashPoint: 2.5}, {Time: "14:20", CrashPoint: 3.1}},
	}
	r = f.send(t, chat, "1.2 3.4 5")
	if !strings.Contains(r.Text, "🟢 14:00 → 2.50x") || !strings.Contains(r.Text, "⚪ 14:20 → 3.10x") {
		t.Errorf("ticker = %q", r.Text)
	}
	if len(r.Buttons) != 1 || r.Buttons[0][1].Data != "strat:pred-1:14:20" {
		t.Errorf("buttons = %+v", r.Buttons)
	}
	if f.step(t, chat) != "" {
		t.Error("session not cleared after delivery")
	}
}

func TestStartPredictionShortcuts(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, models.PlanHourly)
	r, _ := f.m.StartPrediction(ctx, 1, models.RiskLow)
	if r.Text != msgNotLinked {
		t.Errorf("unlinked chat: %q", r.Text)
	}

	f.linkedUser(t, 1, "a@mail.ci")
	r, _ = f.m.StartPrediction(ctx, 1, models.RiskHigh)
	if !strings.Contains(r.Text, "Hebdomadaire") || f.step(t, 1) != "" {
		t.Errorf("hourly plan asking High: %q", r.Text)
	}

	f.predictor.fresh = &models.Prediction{ID: "today", RiskLevel: models.RiskLow, Slots: []models.Slot{{Time: "18:00", CrashPoint: 1.8}}}
	r, _ = f.m.StartPrediction(ctx, 1, models.RiskLow)
	if !strings.Contains(r.Text, "déjà générée") || f.step(t, 1) != "" || f.predictor.calls != 0 {
		t.Errorf("fresh prediction not reused: %q", r.Text)
	}
}

func TestOneShotEdits(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	ctx := context.Background()
	f.linkedUser(t, 1, "awa@mail.ci")
	other := f.linkedUser(t, 2, "yao@mail.ci")

	if _, err := f.m.StartEdit(ctx, 1, accounts.FieldUsername); err != nil {
		t.Fatal(err)
	}
	f.send(t, 1, "")
	if f.step(t, 1) != StepUsernameEdit {
		t.Fatal("empty value should re-prompt")
	}
	r := f.send(t, 1, other.Username)
	if f.step(t, 1) != StepUsernameEdit || !strings.Contains(r.Text, "déjà pris") {
		t.Fatalf("duplicate username: step %q reply %q", f.step(t, 1), r.Text)
	}
	f.send(t, 1, "awa_jet")
	if f.step(t, 1) != "" {
		t.Error("edit did not finish")
	}
	u, _ := f.accounts.ByChat(ctx, 1)
	if u.Username != "awa_jet" {
		t.Errorf("username = %q", u.Username)
	}

	f.m.StartEdit(ctx, 1, accounts.FieldPhone)
	f.send(t, 1, "+225 01 02 03 04")
	u, _ = f.accounts.ByChat(ctx, 1)
	if u.Phone != "+225 01 02 03 04" || f.step(t, 1) != "" {
		t.Errorf("phone = %q", u.Phone)
	}
}

func TestChangePasswordFlow(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	ctx := context.Background()
	f.linkedUser(t, 1, "awa@mail.ci")

	f.m.StartChangePassword(ctx, 1)
	for _, s := range []struct {
		input string
		want  Step
	}{
		{"wrong", StepChangePasswordCurrent},
		{"secret1", StepChangePasswordNew},
		{"123", StepChangePasswordNew},
		{"newpass", StepChangePasswordConfirm},
		{"other!", StepChangePasswordNew},
		{"newpass", StepChangePasswordConfirm},
		{"newpass", ""},
	} {
		f.send(t, 1, s.input)
		if got := f.step(t, 1); got != s.want {
			t.Fatalf("after %q: step %q, want %q", s.input, got, s.want)
		}
	}
	if _, err := f.accounts.Authenticate(ctx, "awa@mail.ci", "newpass"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestLinkAndCancel(t *testing.T) {
	f := newFixture(t, models.PlanHourly)
	ctx := context.Background()
	u, _ := f.accounts.Register(ctx, accounts.RegisterInput{Email: "web@mail.ci", Password: "secret1"})
	token, _ := f.accounts.IssueLinkToken(ctx, u.ID)

	f.m.StartLinking(ctx, 9)
	f.send(t, 9, "WRONG")
	if f.step(t, 9) != StepLinkingToken {
		t.Fatal("bad token should re-prompt")
	}
	r := f.send(t, 9, token)
	if !strings.Contains(r.Text, "Compte lié") || f.step(t, 9) != "" {
		t.Errorf("link reply %q", r.Text)
	}

	f.m.StartEdit(ctx, 9, accounts.FieldPhone)
	r, _ = f.m.Cancel(ctx, 9)
	if !strings.Contains(r.Text, "annulée") || f.step(t, 9) != "" {
		t.Errorf("cancel reply %q", r.Text)
	}
	if got, _ := f.m.Handle(ctx, 9, "hello"); got != nil {
		t.Errorf("idle chat produced %+v", got)
	}
}

func TestStrategyData(t *testing.T) {
	data := StrategyData("abc", "09:45")
	id, slot, ok := ParseStrategyData(data)
	if !ok || id != "abc" || slot != "09:45" {
		t.Errorf("parse(%q) = %q %q %v", data, id, slot, ok)
	}
	for _, bad := range []string{"pay:Wave", "strat:", "strat:abc"} {
		if _, _, ok := ParseStrategyData(bad); ok {
			t.Errorf("parse(%q) accepted", bad)
		}
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := fixedNow
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Save(ctx, &Session{ChatID: 1, Step: StepPhone})
	if got, _ := s.Get(ctx, 1); got == nil || got.Step != StepPhone {
		t.Fatalf("got %+v", got)
	}
	now = now.Add(2 * time.Minute)
	if got, _ := s.Get(ctx, 1); got != nil {
		t.Errorf("expired session returned: %+v", got)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("count = %d", n)
	}
}
