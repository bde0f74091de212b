package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ROLE_USER       = "user"
	ROLE_OPERATOR   = "operator"
	STATUS_ACTIVE   = "active"
	STATUS_DISABLED = "disabled"
)

// Account is a registered buyer. Purchases made as a guest are attributed to
// an account by the account linker, matched on email.
type Account struct {
	ID          string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name        string     `gorm:"type:varchar(150)" json:"name" validate:"required,min=2,max=150"`
	Email       string     `gorm:"type:varchar(200);uniqueIndex;not null" json:"email" validate:"required,email,max=200"`
	Password    string     `gorm:"type:text" json:"-" validate:"required"`
	Role        string     `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user operator"`
	Status      string     `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active disabled"`
	LastLoginAt *time.Time `gorm:"default:null" json:"last_login_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// IsOperator reports whether the account carries the operator role.
func (a *Account) IsOperator() bool {
	return a.Role == ROLE_OPERATOR
}

// NormalizeEmail is the single email canonicalization used by accounts and the ledger.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func CreateAccount(name string, email string, password string) (*Account, error) {
	if len(password) < 8 {
		return nil, ErrPasswordTooShort
	}
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(name),
		Email:    NormalizeEmail(email),
		Password: pw,
		Role:     ROLE_USER,
		Status:   STATUS_ACTIVE,
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
