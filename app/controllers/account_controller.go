package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/entitlements"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
)

// AccountController handles registration and login. Both end with a session
// token carrying the caller's current entitlements.
type AccountController struct {
	svc *Services
}

func NewAccountController(svc *Services) *AccountController {
	return &AccountController{svc: svc}
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=150"`
	Email    string `json:"email" validate:"required,email,max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Token        string          `json:"token"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Account      accountResponse `json:"account"`
	Entitlements []string        `json:"entitlements"`
	Operator     bool            `json:"operator"`
	// Degraded is set when purchases could not be read; the token then
	// carries no entitlements and the client should refresh later.
	Degraded bool `json:"degraded,omitempty"`
}

type accountResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// HandleRegister creates an account and attaches guest purchases made with
// the same email before answering.
func (ac *AccountController) HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if _, err := ac.svc.Accounts.GetByEmail(req.Email); err == nil {
		return jsonError(c, fiber.StatusConflict, "email_taken", "an account with this email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Account] Email lookup failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "storage_unavailable", "")
	}

	account, err := models.CreateAccount(req.Name, req.Email, req.Password)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}
	if err := ac.svc.Accounts.Create(account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return jsonError(c, fiber.StatusConflict, "email_taken", "an account with this email already exists")
		}
		log.Errorf("[Account] Failed to create account for %s: %v", account.Email, err)
		return jsonError(c, fiber.StatusInternalServerError, "storage_unavailable", "")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if res, err := ac.svc.Linker.Link(ctx, account.ID, account.Email); err != nil {
		// The resolver links again on every resolution, so a failure here
		// only delays attribution.
		log.Warnf("[Account] Linking purchases for %s failed: %v", account.ID, err)
	} else if res.Linked > 0 {
		log.Infof("[Account] Linked %d guest purchases to new account %s", res.Linked, account.ID)
	}

	resp, err := issueSession(ctx, ac.svc, account)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed", "")
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleLogin verifies credentials and issues a session.
func (ac *AccountController) HandleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	account, err := ac.svc.Accounts.GetByEmail(req.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusUnauthorized, "invalid_credentials", "")
		}
		log.Errorf("[Account] Login lookup failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "storage_unavailable", "")
	}
	if !models.CheckPasswordHash(req.Password, account.Password) {
		return jsonError(c, fiber.StatusUnauthorized, "invalid_credentials", "")
	}
	if account.Status != models.STATUS_ACTIVE {
		return jsonError(c, fiber.StatusForbidden, "account_disabled", "")
	}

	if err := ac.svc.Accounts.TouchLastLogin(account.ID); err != nil {
		log.Warnf("[Account] Failed to update last login for %s: %v", account.ID, err)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	resp, err := issueSession(ctx, ac.svc, account)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "session_failed", "")
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// issueSession resolves entitlements for the account and signs a token. A
// failed resolution still yields a session, with an empty entitlement set.
func issueSession(ctx context.Context, svc *Services, account *models.Account) (*sessionResponse, error) {
	identity := ledger.Identity{AccountID: account.ID, Email: account.Email}

	degraded := false
	set, err := svc.Resolver.Resolve(ctx, identity)
	if err != nil {
		degraded = true
		set = entitlements.NewSet()
	}

	operator := account.IsOperator() || svc.Resolver.IsOperatorIdentity(identity)
	token, claims, err := svc.Sessions.Issue(account.ID, account.Email, set, operator)
	if err != nil {
		log.Errorf("[Account] Failed to sign session for %s: %v", account.ID, err)
		return nil, err
	}

	return &sessionResponse{
		Token:        token,
		ExpiresAt:    claims.ExpiresAt.Time,
		Account:      accountResponse{ID: account.ID, Name: account.Name, Email: account.Email},
		Entitlements: claims.Entitlements,
		Operator:     operator,
		Degraded:     degraded,
	}, nil
}
