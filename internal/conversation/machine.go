package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/checkout"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
	"jetpredict-app/internal/promo"
)

// Button is an inline keyboard entry. Data comes back as a callback.
type Button struct {
	Text string
	Data string
}

// Reply is what the transport sends back to the chat
type Reply struct {
	Text    string
	Buttons [][]Button
	URL     string          // payment hand-off link
	Order   *checkout.Order // set once a purchase has been handed off
}

type Accounts interface {
	ByChat(ctx context.Context, chatID int64) (*models.User, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	HashPassword(pw string) (string, error)
	Register(ctx context.Context, in accounts.RegisterInput) (*models.User, error)
	LinkChat(ctx context.Context, token string, chatID int64) (*models.User, error)
	VerifyPassword(u *models.User, password string) error
	SetPassword(ctx context.Context, u *models.User, next string) error
	SetEmail(ctx context.Context, u *models.User, email string) error
	UpdateField(ctx context.Context, userID string, f accounts.Field, value string) (*models.User, error)
}

type Predictor interface {
	FindFresh(ctx context.Context, userID string, risk models.RiskLevel, day time.Time) (*models.Prediction, error)
	Obtain(ctx context.Context, in predictions.Input) (*models.Prediction, bool, error)
}

type Gate interface {
	RequireRisk(ctx context.Context, userID string, r models.RiskLevel) error
}

type Promos interface {
	Validate(ctx context.Context, code string, plan models.PlanID) (*models.PromoCode, error)
	Redeem(ctx context.Context, p *models.PromoCode, userID string) error
}

type Deps struct {
	Store          Store
	Accounts       Accounts
	Predictions    Predictor
	Plans          Gate
	Promos         Promos
	WhatsAppNumber string
	Location       *time.Location
}

// Machine advances chat flows. It knows nothing about the chat transport.
type Machine struct {
	Deps
	now func() time.Time
}

func NewMachine(d Deps) *Machine {
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Machine{Deps: d, now: time.Now}
}

func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

const (
	msgNotLinked     = "🔗 Votre compte n'est pas encore lié. Tapez /link <code> avec le code affiché dans votre profil, ou /start pour créer un compte."
	msgGenericError  = "❌ Une erreur est survenue. Veuillez réessayer plus tard."
	msgEngineFailure = "⚠️ Le moteur de prédiction est momentanément indisponible. Veuillez réessayer dans quelques minutes."
	msgEmptyValue    = "✏️ La valeur ne peut pas être vide. Réessayez :"
)

var editSteps = map[accounts.Field]Step{
	accounts.FieldFirstName:    StepFirstName,
	accounts.FieldUsername:     StepUsernameEdit,
	accounts.FieldPhone:        StepPhone,
	accounts.FieldFavoriteGame: StepFavoriteGame,
	accounts.FieldTipsterCode:  StepTipsterCode,
}

var editPrompts = map[Step]string{
	StepFirstName:    "✏️ Entrez votre nouveau prénom :",
	StepUsernameEdit: "✏️ Entrez votre nouveau nom d'utilisateur (3 à 20 lettres, chiffres ou _) :",
	StepPhone:        "📱 Entrez votre numéro de téléphone :",
	StepFavoriteGame: "🎮 Quel est votre jeu favori ?",
	StepTipsterCode:  "🎟️ Entrez votre code pronostiqueur :",
}

func (m *Machine) begin(ctx context.Context, chatID int64, step Step, data Data) error {
	return m.Store.Save(ctx, &Session{ChatID: chatID, Step: step, Data: data})
}

func (m *Machine) clear(ctx context.Context, chatID int64) error {
	return m.Store.Delete(ctx, chatID)
}

// linked returns the account of the chat, or the reply to send when there is
// none
func (m *Machine) linked(ctx context.Context, chatID int64) (*models.User, *Reply, error) {
	u, err := m.Accounts.ByChat(ctx, chatID)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, &Reply{Text: msgNotLinked}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return u, nil, nil
}

// Cancel drops whatever flow the chat was in
func (m *Machine) Cancel(ctx context.Context, chatID int64) (Reply, error) {
	s, err := m.Store.Get(ctx, chatID)
	if err != nil {
		return Reply{}, err
	}
	if s == nil {
		return Reply{Text: "Aucune opération en cours."}, nil
	}
	if err := m.clear(ctx, chatID); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "🚫 Opération annulée."}, nil
}

func (m *Machine) StartLinking(ctx context.Context, chatID int64) (Reply, error) {
	if err := m.begin(ctx, chatID, StepLinkingToken, Data{}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "🔗 Envoyez le code de liaison affiché dans votre profil Jet Predict :"}, nil
}

// Link binds the chat directly, as for "/link <token>"
func (m *Machine) Link(ctx context.Context, chatID int64, token string) (Reply, error) {
	u, err := m.Accounts.LinkChat(ctx, token, chatID)
	if errors.Is(err, accounts.ErrInvalidLinkToken) {
		return Reply{Text: "❌ Code de liaison invalide ou expiré."}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if err := m.clear(ctx, chatID); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("✅ Compte lié : %s (%s)", u.Email, u.Username)}, nil
}

func (m *Machine) StartRegistration(ctx context.Context, chatID int64, referredBy string) (Reply, error) {
	u, err := m.Accounts.ByChat(ctx, chatID)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return Reply{}, err
	}
	if u != nil {
		return Reply{Text: fmt.Sprintf("Ce chat est déjà lié au compte %s. Tapez /unlink pour le délier.", u.Email)}, nil
	}
	if err := m.begin(ctx, chatID, StepRegistrationEmail, Data{ReferredBy: strings.TrimSpace(referredBy)}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "📧 Création de compte. Entrez votre adresse email :"}, nil
}

func (m *Machine) StartChangePassword(ctx context.Context, chatID int64) (Reply, error) {
	if _, r, err := m.linked(ctx, chatID); r != nil || err != nil {
		return deref(r), err
	}
	if err := m.begin(ctx, chatID, StepChangePasswordCurrent, Data{}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "🔐 Entrez votre mot de passe actuel :"}, nil
}

func (m *Machine) StartChangeEmail(ctx context.Context, chatID int64) (Reply, error) {
	if _, r, err := m.linked(ctx, chatID); r != nil || err != nil {
		return deref(r), err
	}
	if err := m.begin(ctx, chatID, StepChangeEmailPassword, Data{}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "🔐 Pour changer d'email, entrez votre mot de passe :"}, nil
}

// StartEdit opens a one-shot profile field edit
func (m *Machine) StartEdit(ctx context.Context, chatID int64, f accounts.Field) (Reply, error) {
	step, ok := editSteps[f]
	if !ok {
		return Reply{}, accounts.ErrUnknownField
	}
	if _, r, err := m.linked(ctx, chatID); r != nil || err != nil {
		return deref(r), err
	}
	if err := m.begin(ctx, chatID, step, Data{}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: editPrompts[step]}, nil
}

// StartPrediction delivers today's prediction for the risk level when there is
// one, otherwise asks for the recent history
func (m *Machine) StartPrediction(ctx context.Context, chatID int64, risk models.RiskLevel) (Reply, error) {
	u, r, err := m.linked(ctx, chatID)
	if r != nil || err != nil {
		return deref(r), err
	}
	if err := m.Plans.RequireRisk(ctx, u.ID, risk); err != nil {
		if errors.Is(err, plans.ErrEntitlementDenied) {
			return Upsell(err), nil
		}
		return Reply{}, err
	}

	fresh, err := m.Predictions.FindFresh(ctx, u.ID, risk, m.now())
	if err != nil {
		return Reply{}, err
	}
	if fresh != nil {
		return m.renderPrediction(fresh, true), nil
	}

	if err := m.begin(ctx, chatID, StepHistory, Data{RiskLevel: risk}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("📈 Risque %s. Envoyez les derniers multiplicateurs observés, séparés par des virgules (ex : 1.23, 4.5x, 2.01) :", risk)}, nil
}

func (m *Machine) StartCheckout(ctx context.Context, chatID int64, plan models.PlanID) (Reply, error) {
	offer, ok := plans.OfferFor(plan)
	if !ok {
		return Reply{}, plans.ErrUnknownPlan
	}
	if _, r, err := m.linked(ctx, chatID); r != nil || err != nil {
		return deref(r), err
	}
	data := Data{Plan: plan, FinalPrice: offer.Price.String()}
	if err := m.begin(ctx, chatID, StepPromoDecision, data); err != nil {
		return Reply{}, err
	}
	return Reply{
		Text: fmt.Sprintf("🛒 Forfait %s : %s FCFA.\nAvez-vous un code promo ?", offer.Label, offer.Price.StringFixed(0)),
		Buttons: [][]Button{{
			{Text: "Oui", Data: "promo:yes"},
			{Text: "Non", Data: "promo:no"},
		}},
	}, nil
}

// Handle feeds free text to the chat's current step. It returns nil when the
// chat has no flow in progress.
func (m *Machine) Handle(ctx context.Context, chatID int64, text string) (*Reply, error) {
	s, err := m.Store.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	text = strings.TrimSpace(text)

	var r Reply
	switch s.Step {
	case StepLinkingToken:
		r, err = m.handleLinkingToken(ctx, s, text)
	case StepRegistrationEmail:
		r, err = m.handleRegistrationEmail(ctx, s, text)
	case StepRegistrationPassword:
		r, err = m.handleRegistrationPassword(ctx, s, text)
	case StepRegistrationConfirmPassword:
		r, err = m.handleRegistrationConfirm(ctx, s, text)
	case StepChangePasswordCurrent:
		r, err = m.handleChangePasswordCurrent(ctx, s, text)
	case StepChangePasswordNew:
		r, err = m.handleChangePasswordNew(ctx, s, text)
	case StepChangePasswordConfirm:
		r, err = m.handleChangePasswordConfirm(ctx, s, text)
	case StepChangeEmailPassword:
		r, err = m.handleChangeEmailPassword(ctx, s, text)
	case StepChangeEmailNew:
		r, err = m.handleChangeEmailNew(ctx, s, text)
	case StepFirstName, StepUsernameEdit, StepPhone, StepFavoriteGame, StepTipsterCode:
		r, err = m.handleEdit(ctx, s, text)
	case StepHistory:
		r, err = m.handleHistory(ctx, s, text)
	case StepPromoDecision:
		r, err = m.handlePromoDecision(ctx, s, text)
	case StepPromoInput:
		r, err = m.handlePromoInput(ctx, s, text)
	case StepPaymentMethod:
		r, err = m.handlePaymentMethod(ctx, s, text)
	default:
		logger.Get().Warn("dropping session with unknown step", zap.Int64("chat_id", chatID), zap.String("step", string(s.Step)))
		return nil, m.clear(ctx, chatID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// advance moves the session to step with its updated data
func (m *Machine) advance(ctx context.Context, s *Session, step Step, text string) (Reply, error) {
	s.Step = step
	if err := m.Store.Save(ctx, s); err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

// finish clears the session and returns r
func (m *Machine) finish(ctx context.Context, s *Session, r Reply) (Reply, error) {
	if err := m.clear(ctx, s.ChatID); err != nil {
		return Reply{}, err
	}
	return r, nil
}

func (m *Machine) handleLinkingToken(ctx context.Context, s *Session, text string) (Reply, error) {
	if text == "" {
		return Reply{Text: "🔗 Envoyez votre code de liaison :"}, nil
	}
	u, err := m.Accounts.LinkChat(ctx, text, s.ChatID)
	if errors.Is(err, accounts.ErrInvalidLinkToken) {
		return Reply{Text: "❌ Code invalide. Vérifiez le code dans votre profil et renvoyez-le, ou /cancel."}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	return m.finish(ctx, s, Reply{Text: fmt.Sprintf("✅ Compte lié : %s (%s)", u.Email, u.Username)})
}

func (m *Machine) handleRegistrationEmail(ctx context.Context, s *Session, text string) (Reply, error) {
	if err := accounts.ValidateEmail(text); err != nil {
		return Reply{Text: "❌ Adresse email invalide. Réessayez :"}, nil
	}
	taken, err := m.Accounts.EmailTaken(ctx, text)
	if err != nil {
		return Reply{}, err
	}
	if taken {
		return Reply{Text: "❌ Cette adresse est déjà utilisée. Entrez une autre adresse, ou /link pour lier votre compte existant :"}, nil
	}
	s.Data.Email = accounts.NormalizeEmail(text)
	return m.advance(ctx, s, StepRegistrationPassword,
		fmt.Sprintf("🔐 Choisissez un mot de passe (au moins %d caractères) :", accounts.MinPasswordLength))
}

func (m *Machine) handleRegistrationPassword(ctx context.Context, s *Session, text string) (Reply, error) {
	if err := accounts.ValidatePassword(text); err != nil {
		return Reply{Text: fmt.Sprintf("❌ Le mot de passe doit contenir au moins %d caractères. Réessayez :", accounts.MinPasswordLength)}, nil
	}
	hash, err := m.Accounts.HashPassword(text)
	if err != nil {
		return Reply{}, err
	}
	s.Data.PasswordHash = hash
	return m.advance(ctx, s, StepRegistrationConfirmPassword, "🔐 Confirmez le mot de passe :")
}

func (m *Machine) handleRegistrationConfirm(ctx context.Context, s *Session, text string) (Reply, error) {
	if !accounts.MatchPassword(s.Data.PasswordHash, text) {
		s.Data.PasswordHash = ""
		return m.advance(ctx, s, StepRegistrationPassword, "❌ Les mots de passe ne correspondent pas. Choisissez à nouveau un mot de passe :")
	}

	chatID := s.ChatID
	u, err := m.Accounts.Register(ctx, accounts.RegisterInput{
		Email:        s.Data.Email,
		PasswordHash: s.Data.PasswordHash,
		ReferredBy:   s.Data.ReferredBy,
		ChatID:       &chatID,
	})
	if errors.Is(err, accounts.ErrEmailTaken) {
		s.Data = Data{ReferredBy: s.Data.ReferredBy}
		return m.advance(ctx, s, StepRegistrationEmail, "❌ Cette adresse vient d'être utilisée. Entrez une autre adresse :")
	}
	if err != nil {
		return Reply{}, err
	}
	return m.finish(ctx, s, Reply{Text: fmt.Sprintf(
		"🎉 Compte créé et lié !\nEmail : %s\nVotre code de parrainage : %s\n\nTapez /givemefreeplan pour votre essai gratuit d'une heure.",
		u.Email, u.Username)})
}

func (m *Machine) handleChangePasswordCurrent(ctx context.Context, s *Session, text string) (Reply, error) {
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}
	if err := m.Accounts.VerifyPassword(u, text); err != nil {
		return Reply{Text: "❌ Mot de passe incorrect. Réessayez, ou /cancel :"}, nil
	}
	return m.advance(ctx, s, StepChangePasswordNew,
		fmt.Sprintf("🔐 Entrez le nouveau mot de passe (au moins %d caractères) :", accounts.MinPasswordLength))
}

func (m *Machine) handleChangePasswordNew(ctx context.Context, s *Session, text string) (Reply, error) {
	if err := accounts.ValidatePassword(text); err != nil {
		return Reply{Text: fmt.Sprintf("❌ Au moins %d caractères. Réessayez :", accounts.MinPasswordLength)}, nil
	}
	hash, err := m.Accounts.HashPassword(text)
	if err != nil {
		return Reply{}, err
	}
	s.Data.NewPasswordHash = hash
	return m.advance(ctx, s, StepChangePasswordConfirm, "🔐 Confirmez le nouveau mot de passe :")
}

func (m *Machine) handleChangePasswordConfirm(ctx context.Context, s *Session, text string) (Reply, error) {
	if !accounts.MatchPassword(s.Data.NewPasswordHash, text) {
		s.Data.NewPasswordHash = ""
		return m.advance(ctx, s, StepChangePasswordNew, "❌ Les mots de passe ne correspondent pas. Entrez à nouveau le nouveau mot de passe :")
	}
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}
	if err := m.Accounts.SetPassword(ctx, u, text); err != nil {
		return Reply{}, err
	}
	return m.finish(ctx, s, Reply{Text: "✅ Mot de passe modifié."})
}

func (m *Machine) handleChangeEmailPassword(ctx context.Context, s *Session, text string) (Reply, error) {
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}
	if err := m.Accounts.VerifyPassword(u, text); err != nil {
		return Reply{Text: "❌ Mot de passe incorrect. Réessayez, ou /cancel :"}, nil
	}
	return m.advance(ctx, s, StepChangeEmailNew, "📧 Entrez la nouvelle adresse email :")
}

func (m *Machine) handleChangeEmailNew(ctx context.Context, s *Session, text string) (Reply, error) {
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}
	switch err := m.Accounts.SetEmail(ctx, u, text); {
	case errors.Is(err, accounts.ErrInvalidEmail):
		return Reply{Text: "❌ Adresse email invalide. Réessayez :"}, nil
	case errors.Is(err, accounts.ErrEmailTaken):
		return Reply{Text: "❌ Cette adresse est déjà utilisée. Entrez une autre adresse :"}, nil
	case err != nil:
		return Reply{}, err
	}
	return m.finish(ctx, s, Reply{Text: fmt.Sprintf("✅ Email modifié : %s", u.Email)})
}

func (m *Machine) handleEdit(ctx context.Context, s *Session, text string) (Reply, error) {
	if text == "" {
		return Reply{Text: msgEmptyValue}, nil
	}
	var field accounts.Field
	for f, step := range editSteps {
		if step == s.Step {
			field = f
		}
	}
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}

	_, err = m.Accounts.UpdateField(ctx, u.ID, field, text)
	switch {
	case errors.Is(err, accounts.ErrDuplicateUsername):
		return Reply{Text: "❌ Ce nom d'utilisateur est déjà pris. Essayez-en un autre :"}, nil
	case errors.Is(err, accounts.ErrInvalidUsername):
		return Reply{Text: "❌ 3 à 20 lettres, chiffres ou _ uniquement. Réessayez :"}, nil
	case errors.Is(err, accounts.ErrEmptyValue):
		return Reply{Text: msgEmptyValue}, nil
	case err != nil:
		return Reply{}, err
	}
	return m.finish(ctx, s, Reply{Text: "✅ Profil mis à jour."})
}

func (m *Machine) handleHistory(ctx context.Context, s *Session, text string) (Reply, error) {
	if _, err := predictions.ParseHistory(text); err != nil {
		return Reply{Text: "❌ Aucun multiplicateur reconnu. Envoyez des nombres séparés par des virgules (ex : 1.23, 4.5x, 2.01) :"}, nil
	}
	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}

	p, cached, err := m.Predictions.Obtain(ctx, predictions.Input{
		UserID:    u.ID,
		RiskLevel: s.Data.RiskLevel,
		History:   text,
	})
	switch {
	case errors.Is(err, predictions.ErrInvalidHistory):
		return Reply{Text: "❌ Historique invalide. Réessayez :"}, nil
	case errors.Is(err, plans.ErrEntitlementDenied):
		return m.finish(ctx, s, Upsell(err))
	case err != nil:
		logger.Get().Warn("prediction flow failed",
			zap.Int64("chat_id", s.ChatID),
			zap.String("user_id", u.ID),
			zap.Error(err))
		return m.finish(ctx, s, Reply{Text: msgEngineFailure})
	}
	return m.finish(ctx, s, m.renderPrediction(p, cached))
}

func (m *Machine) handlePromoDecision(ctx context.Context, s *Session, text string) (Reply, error) {
	switch strings.ToLower(text) {
	case "oui", "yes", "promo:yes":
		return m.advance(ctx, s, StepPromoInput, "🎟️ Entrez votre code promo :")
	case "non", "no", "promo:no":
		s.Step = StepPaymentMethod
		if err := m.Store.Save(ctx, s); err != nil {
			return Reply{}, err
		}
		return m.paymentPrompt(s, ""), nil
	}
	return Reply{
		Text:    "Répondez par Oui ou Non : avez-vous un code promo ?",
		Buttons: [][]Button{{{Text: "Oui", Data: "promo:yes"}, {Text: "Non", Data: "promo:no"}}},
	}, nil
}

func (m *Machine) handlePromoInput(ctx context.Context, s *Session, text string) (Reply, error) {
	if text == "" {
		return Reply{Text: "🎟️ Entrez votre code promo :"}, nil
	}
	offer, ok := plans.OfferFor(s.Data.Plan)
	if !ok {
		return m.finish(ctx, s, Reply{Text: msgGenericError})
	}

	var note string
	p, err := m.Promos.Validate(ctx, text, s.Data.Plan)
	switch {
	case err == nil:
		s.Data.PromoCode = p.Code
		s.Data.DiscountPct = p.DiscountPct
		s.Data.FinalPrice = checkout.Quote(offer.Price, p.DiscountPct).String()
		note = fmt.Sprintf("✅ Code %s appliqué : -%s%%.", p.Code, decimal.NewFromFloat(p.DiscountPct).String())
	case errors.Is(err, promo.ErrPromoInvalid):
		// invalid codes do not block the purchase
		s.Data.PromoCode, s.Data.DiscountPct = "", 0
		s.Data.FinalPrice = offer.Price.String()
		note = promoReason(err) + " Vous continuez sans réduction."
	default:
		return Reply{}, err
	}

	s.Step = StepPaymentMethod
	if err := m.Store.Save(ctx, s); err != nil {
		return Reply{}, err
	}
	return m.paymentPrompt(s, note), nil
}

func (m *Machine) paymentPrompt(s *Session, note string) Reply {
	var b strings.Builder
	if note != "" {
		b.WriteString(note + "\n")
	}
	price, _ := decimal.NewFromString(s.Data.FinalPrice)
	fmt.Fprintf(&b, "💰 Prix final : %s FCFA\n💳 Choisissez votre moyen de paiement :", price.StringFixed(0))

	var rows [][]Button
	for i := 0; i < len(checkout.PaymentMethods); i += 2 {
		row := []Button{}
		for _, pm := range checkout.PaymentMethods[i:min(i+2, len(checkout.PaymentMethods))] {
			row = append(row, Button{Text: pm, Data: "pay:" + pm})
		}
		rows = append(rows, row)
	}
	return Reply{Text: b.String(), Buttons: rows}
}

func (m *Machine) handlePaymentMethod(ctx context.Context, s *Session, text string) (Reply, error) {
	method := ""
	for _, pm := range checkout.PaymentMethods {
		if strings.EqualFold(pm, strings.TrimPrefix(text, "pay:")) {
			method = pm
		}
	}
	if method == "" {
		return m.paymentPrompt(s, "❌ Moyen de paiement non reconnu."), nil
	}

	u, r, err := m.linked(ctx, s.ChatID)
	if r != nil || err != nil {
		return m.abort(ctx, s, r, err)
	}
	offer, ok := plans.OfferFor(s.Data.Plan)
	if !ok {
		return m.finish(ctx, s, Reply{Text: msgGenericError})
	}

	order := checkout.Order{
		Plan:          s.Data.Plan,
		BasePrice:     offer.Price,
		FinalPrice:    offer.Price,
		User:          u,
		PaymentMethod: method,
	}
	if s.Data.PromoCode != "" {
		// the code may have run out since it was typed
		p, err := m.Promos.Validate(ctx, s.Data.PromoCode, s.Data.Plan)
		if err == nil {
			order.Promo = &checkout.AppliedPromo{Code: p.Code, DiscountPct: p.DiscountPct}
			order.FinalPrice = checkout.Quote(offer.Price, p.DiscountPct)
			if err := m.Promos.Redeem(ctx, p, u.ID); err != nil {
				logger.Get().Error("promo redemption failed", zap.String("code", p.Code), zap.Error(err))
			}
		} else if !errors.Is(err, promo.ErrPromoInvalid) {
			return Reply{}, err
		}
	}

	text = checkout.ComposeOrderMessage(order)
	link := checkout.DeepLink(m.WhatsAppNumber, text)
	return m.finish(ctx, s, Reply{
		Text:  text + "\n\n👉 Touchez le bouton ci-dessous pour envoyer la commande sur WhatsApp.",
		URL:   link,
		Order: &order,
	})
}

// abort ends a flow whose account disappeared mid-way
func (m *Machine) abort(ctx context.Context, s *Session, r *Reply, err error) (Reply, error) {
	if err != nil {
		return Reply{}, err
	}
	return m.finish(ctx, s, deref(r))
}

// renderPrediction lists the slots with their urgency and one strategy button
// per slot
func (m *Machine) renderPrediction(p *models.Prediction, cached bool) Reply {
	return RenderPrediction(p, cached, m.now().In(m.Location))
}

func promoReason(err error) string {
	switch {
	case errors.Is(err, promo.ErrPromoNotFound):
		return "❌ Code promo introuvable."
	case errors.Is(err, promo.ErrPromoLimitReached):
		return "❌ Ce code promo a atteint sa limite d'utilisation."
	case errors.Is(err, promo.ErrPromoExpired):
		return "❌ Ce code promo n'est pas valide en ce moment."
	case errors.Is(err, promo.ErrPromoWrongPlan):
		return "❌ Ce code promo ne s'applique pas à ce forfait."
	}
	return "❌ Code promo invalide."
}

// Upsell points a denied user to the plan that unlocks the feature
func Upsell(err error) Reply {
	var denied *plans.DeniedError
	required := models.PlanMonthly
	if errors.As(err, &denied) {
		required = denied.Required
	}
	return Reply{
		Text:    fmt.Sprintf("🔒 Cette option nécessite le forfait %s ou supérieur.", required.Label()),
		Buttons: [][]Button{{{Text: "💎 Voir les forfaits", Data: "plans"}}},
	}
}

func deref(r *Reply) Reply {
	if r == nil {
		return Reply{}
	}
	return *r
}
