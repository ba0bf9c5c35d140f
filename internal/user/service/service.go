package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"downloadgate/internal/user"
	"downloadgate/internal/user/repository"
	"downloadgate/pkg/hash"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidCreds = errors.New("invalid credentials")
)

// ThrottledError is returned while an identity is blocked from retrying.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

type UserRepository interface {
	Create(context.Context, *user.User) error
	GetByEmail(context.Context, string) (*user.User, error)
	GetByID(context.Context, int64) (*user.User, error)
}

type Throttle interface {
	Hit(ctx context.Context, identity string) (int64, error)
	TooManyAttempts(ctx context.Context, identity string) (bool, error)
	AvailableIn(ctx context.Context, identity string) (time.Duration, error)
	Clear(ctx context.Context, identity string) error
}

type UserService struct {
	repo     UserRepository
	login    Throttle
	register Throttle
}

// NewUserService wires optional login and registration throttles; nil
// disables throttling.
func NewUserService(repo UserRepository, login, register Throttle) *UserService {
	return &UserService{repo: repo, login: login, register: register}
}

// Register creates a customer account. Each attempt from clientIP counts
// against the registration throttle.
func (s *UserService) Register(ctx context.Context, email, password, clientIP string) (*user.User, error) {
	if err := blocked(ctx, s.register, clientIP); err != nil {
		return nil, err
	}
	hit(ctx, s.register, clientIP)

	email = user.NormalizeEmail(email)
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	hashed, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &user.User{
		Email:    email,
		Password: hashed,
		Role:     user.RoleCustomer,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	log.Info().Int64("user_id", u.ID).Msg("user registered")
	return u, nil
}

// Login checks credentials. Failures count against the login throttle for
// the email and client pair; a success clears it.
func (s *UserService) Login(ctx context.Context, email, password, clientIP string) (*user.User, error) {
	email = user.NormalizeEmail(email)
	identity := email + "|" + clientIP
	if err := blocked(ctx, s.login, identity); err != nil {
		return nil, err
	}

	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}
	if u == nil || !hash.CheckPassword(u.Password, password) {
		hit(ctx, s.login, identity)
		return nil, ErrInvalidCreds
	}

	if s.login != nil {
		if err := s.login.Clear(ctx, identity); err != nil {
			log.Warn().Err(err).Msg("clear login throttle failed")
		}
	}
	return u, nil
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*user.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// blocked fails open when the throttle store is unavailable.
func blocked(ctx context.Context, t Throttle, identity string) error {
	if t == nil {
		return nil
	}
	tooMany, err := t.TooManyAttempts(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Msg("throttle unavailable")
		return nil
	}
	if !tooMany {
		return nil
	}
	wait, err := t.AvailableIn(ctx, identity)
	if err != nil {
		wait = time.Minute
	}
	return &ThrottledError{RetryAfter: wait}
}

func hit(ctx context.Context, t Throttle, identity string) {
	if t == nil {
		return
	}
	if _, err := t.Hit(ctx, identity); err != nil {
		log.Warn().Err(err).Msg("throttle hit failed")
	}
}
