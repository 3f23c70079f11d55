package chat

import (
	"context"
	"errors"

	"PPChat/module/user"
	"PPChat/tools/errs"
	"PPChat/tools/security"
)

// auth-failed 的 reason
const (
	AuthReasonMissingToken    = "missing_token"
	AuthReasonInvalidToken    = "invalid_token"
	AuthReasonExpiredToken    = "token_expired"
	AuthReasonWrongTokenType  = "wrong_token_type"
	AuthReasonAccountNotFound = "account_not_found"
	AuthReasonAccountDisabled = "account_disabled"
	AuthReasonPasswordChanged = "password_changed"
	AuthReasonTimeout         = "timeout"
	AuthReasonBadFrame        = "expected_authenticate"
)

// AuthError 鉴权被拒；Reason 原样下发给客户端
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string { return "auth failed: " + e.Reason }
func (e *AuthError) Unwrap() error { return e.Err }

// Authenticator 签名/过期/typ 交给 Verifier，账号状态与密码纪元查账号存储
type Authenticator struct {
	verifier *security.Verifier
	accounts user.AccountStore
}

func NewAuthenticator(v *security.Verifier, accounts user.AccountStore) *Authenticator {
	return &Authenticator{verifier: v, accounts: accounts}
}

// Authenticate 被拒返回 *AuthError；账号存储不可用返回 ErrInfra
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*security.Claims, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, &AuthError{Reason: verifyReason(err), Err: errs.ErrAuthentication.WrapMsg(err.Error())}
	}
	acc, err := a.accounts.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, &AuthError{Reason: AuthReasonAccountNotFound, Err: errs.ErrAuthentication.WrapMsg("account not found", "user", claims.UserID)}
		}
		return nil, errs.ErrInfra.WrapMsg("load account", "user", claims.UserID, "err", err)
	}
	if !acc.CanConnect() {
		return nil, &AuthError{Reason: AuthReasonAccountDisabled, Err: errs.ErrAuthentication.WrapMsg("account disabled", "user", claims.UserID, "status", acc.Status)}
	}
	if claims.PwdEpoch != acc.PwdEpoch {
		return nil, &AuthError{Reason: AuthReasonPasswordChanged, Err: errs.ErrAuthentication.WrapMsg("token issued before password change", "user", claims.UserID)}
	}
	return claims, nil
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, security.ErrMissingToken):
		return AuthReasonMissingToken
	case errors.Is(err, security.ErrExpiredToken):
		return AuthReasonExpiredToken
	case errors.Is(err, security.ErrWrongTokenType):
		return AuthReasonWrongTokenType
	default:
		return AuthReasonInvalidToken
	}
}
