package dto

import (
	"time"

	"github.com/parleyhq/parley/internal/model"
)

type CreateUserRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

type UserResponse struct {
	ID        int64     `json:"id,string"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	NoLimits  bool      `json:"no_limits"`
	CreatedAt time.Time `json:"created_at"`
}

func ToUserResponse(u *model.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		NoLimits:  u.NoLimits,
		CreatedAt: u.CreatedAt,
	}
}

type GrantCreditsRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Type        string `json:"type"` // "purchase" or "grant", defaults to "grant"
}

type BalanceResponse struct {
	UserID         int64     `json:"user_id,string"`
	FreeCents      int64     `json:"free_cents"`
	PurchasedCents int64     `json:"purchased_cents"`
	TotalCents     int64     `json:"total_cents"`
	LastFreeReset  time.Time `json:"last_free_reset"`
}

func ToBalanceResponse(b *model.CreditBalance) BalanceResponse {
	return BalanceResponse{
		UserID:         b.UserID,
		FreeCents:      b.FreeCents,
		PurchasedCents: b.PurchasedCents,
		TotalCents:     b.TotalCents(),
		LastFreeReset:  b.LastFreeReset,
	}
}
