package models

import "time"

// Permission is a user privilege level. Levels are ordered:
// guest < user < admin < owner.
type Permission string

const (
	PermissionGuest Permission = "guest"
	PermissionUser  Permission = "user"
	PermissionAdmin Permission = "admin"
	PermissionOwner Permission = "owner"
)

var permissionRank = map[Permission]int{
	PermissionGuest: 0,
	PermissionUser:  1,
	PermissionAdmin: 2,
	PermissionOwner: 3,
}

// AtLeast reports whether p grants at least the required level. Unknown
// levels rank below guest.
func (p Permission) AtLeast(required Permission) bool {
	pr, ok := permissionRank[p]
	if !ok {
		pr = -1
	}
	rr, ok := permissionRank[required]
	if !ok {
		rr = 0
	}
	return pr >= rr
}

// Valid reports whether p is a known permission level.
func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// User is a stable identity across platforms. A nil MonthlyTokenBudget means
// unlimited usage.
type User struct {
	ID                  string     `json:"id"`
	Permission          Permission `json:"permission_level"`
	MonthlyTokenBudget  *int64     `json:"monthly_token_budget,omitempty"`
	TokensUsedThisMonth int64      `json:"tokens_used_this_month"`
	BudgetResetAt       time.Time  `json:"budget_reset_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

// BudgetExhausted reports whether the user's monthly budget is configured
// and already spent.
func (u *User) BudgetExhausted() bool {
	if u == nil || u.MonthlyTokenBudget == nil {
		return false
	}
	return u.TokensUsedThisMonth >= *u.MonthlyTokenBudget
}

// PlatformLink binds a platform identity to a User. Unique on
// (platform, platform_user_id).
type PlatformLink struct {
	UserID           string `json:"user_id"`
	Platform         string `json:"platform"`
	PlatformUserID   string `json:"platform_user_id"`
	PlatformUsername string `json:"platform_username,omitempty"`
}
