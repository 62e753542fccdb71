package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Op string

const (
	OpRun  Op = "run"
	OpPush Op = "push"
	OpPull Op = "pull"
	OpWait Op = "wait"
)

var ErrInvalidRequest = errors.New("invalid request")

var validate = validator.New()

// Request asks a worker to perform one operation on one instance.
type Request struct {
	ID          string `json:"id" validate:"omitempty,uuid"`
	Op          Op     `json:"op" validate:"required,oneof=run push pull wait"`
	ExternalIP  string `json:"externalIP,omitempty" validate:"required_if=UseInternal false,omitempty,ip|hostname"`
	InternalIP  string `json:"internalIP,omitempty" validate:"required_if=UseInternal true,omitempty,ip|hostname"`
	UseInternal bool   `json:"useInternal,omitempty"`
	User        string `json:"user,omitempty"`

	Command string `json:"command,omitempty" validate:"required_if=Op run"`
	Local   string `json:"local,omitempty" validate:"required_if=Op push,required_if=Op pull"`
	Remote  string `json:"remote,omitempty" validate:"required_if=Op push,required_if=Op pull"`

	TimeoutSeconds int  `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	Attempts       int  `json:"attempts,omitempty" validate:"gte=0"`
	ShowOutput     bool `json:"showOutput,omitempty"`
}

// Timeout is the per-attempt bound; zero means none.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// EnsureID assigns a random ID when the producer did not set one.
func (r *Request) EnsureID() string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r.ID
}

func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
