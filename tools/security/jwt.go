package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrMissingClaims  = errors.New("missing required claims")
	ErrMissingToken   = errors.New("missing token")
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret    []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg       string        // HS256/HS384/HS512（默认 HS256）
	TTL       time.Duration // 令牌有效期（默认 2h）
	TokenType string        // typ 声明，网关只接受 access
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour, TokenType: "access"}
}

// Claims 网关关心的声明
type Claims struct {
	UserID    string `json:"sub"`
	TokenType string `json:"typ"`
	// PwdEpoch 签发时账号的密码纪元；改密后纪元+1，旧 token 全部作废
	PwdEpoch int64  `json:"pwd_epoch"`
	DeviceID string `json:"did,omitempty"`
	jwtlib.RegisteredClaims
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate 签发只用于测试与联调，线上 token 由账号服务签发
func Generate(opts Options, userID, deviceID string, pwdEpoch int64) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	typ := opts.TokenType
	if typ == "" {
		typ = "access"
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		UserID:    userID,
		TokenType: typ,
		PwdEpoch:  pwdEpoch,
		DeviceID:  deviceID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verifier 校验签名、过期和 typ；账号状态与密码纪元由调用方结合账号存储判断
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	if opts.TokenType == "" {
		opts.TokenType = "access"
	}
	return &Verifier{opts: opts}, nil
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	}, jwtlib.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingClaims
	}
	if claims.TokenType != v.opts.TokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

// BearerToken 从 "Bearer xxx" 里取出 token，不是 Bearer 形式返回空串
func BearerToken(authz string) string {
	authz = strings.TrimSpace(authz)
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// ExtractToken 按优先级取 token：显式 auth 字段 > Authorization 头 > query 参数，先到先得
func ExtractToken(authField, authorizationHeader, query string) string {
	if t := strings.TrimSpace(authField); t != "" {
		return t
	}
	if t := BearerToken(authorizationHeader); t != "" {
		return t
	}
	return strings.TrimSpace(query)
}
