package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	apperrors "livecast/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// DefaultRTCTokenTTL bounds how long a channel credential stays valid.
const DefaultRTCTokenTTL = time.Hour

// Claims identifies the acting user of an API request.
type Claims struct {
	UserID   domain.ParticipantID `json:"user_id"`
	Username string               `json:"username"`
	jwt.RegisteredClaims
}

// RTCClaims authorizes one participant to join one channel in one role.
type RTCClaims struct {
	Channel string            `json:"channel"`
	UID     uint32            `json:"uid"`
	Role    domain.ClientRole `json:"role"`
	jwt.RegisteredClaims
}

type AuthService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	rtcTokenTTL    time.Duration
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL, rtcTokenTTL time.Duration) *AuthService {
	if rtcTokenTTL <= 0 {
		rtcTokenTTL = DefaultRTCTokenTTL
	}
	return &AuthService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		rtcTokenTTL:    rtcTokenTTL,
		now:            time.Now,
	}
}

var _ ports.TokenProvider = (*AuthService)(nil)

func (s *AuthService) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
}

func (s *AuthService) GenerateToken(userID domain.ParticipantID, username string) (string, error) {
	if userID == "" {
		return "", apperrors.NewInvalidInputError("user id is required")
	}
	claims := &Claims{
		UserID:           userID,
		Username:         username,
		RegisteredClaims: s.registered(string(userID), s.accessTokenTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, unauthorized(ErrInvalidToken)
	}
	return claims, nil
}

// RTCToken issues the credential the RTC engine presents to the channel relay.
func (s *AuthService) RTCToken(ctx context.Context, channel string, participantID domain.ParticipantID, role domain.ClientRole) (string, error) {
	if channel == "" || participantID == "" {
		return "", apperrors.NewInvalidInputError("channel and participant are required")
	}
	claims := &RTCClaims{
		Channel:          channel,
		UID:              participantID.UID(),
		Role:             role,
		RegisteredClaims: s.registered(string(participantID), s.rtcTokenTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateRTCToken(tokenString string) (*RTCClaims, error) {
	claims := &RTCClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Channel == "" || claims.UID == 0 {
		return nil, unauthorized(ErrInvalidToken)
	}
	return claims, nil
}

func (s *AuthService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return unauthorized(ErrExpiredToken)
		}
		return unauthorized(ErrInvalidToken)
	}
	if !token.Valid {
		return unauthorized(ErrInvalidToken)
	}
	return nil
}

func unauthorized(cause error) error {
	return apperrors.WrapError(cause, apperrors.ErrCodeUnauthorized, cause.Error(), http.StatusUnauthorized)
}
