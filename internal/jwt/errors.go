package jwt

import "github.com/imtaco/conf-sfu/internal/errors"

const (
	ErrInvalidRequest errors.Code = "invalid request"
	ErrInvalidToken   errors.Code = "invalid token"
	ErrNoToken        errors.Code = "no token"
	ErrTokenExpired   errors.Code = "token expired"
)
