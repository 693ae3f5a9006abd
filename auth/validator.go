package auth

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type IssuerConfig struct {
	Secret string        `validate:"required,min=32"`
	TTL    time.Duration `validate:"gt=0"`
}
